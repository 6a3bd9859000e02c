package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-offload/internal/config"
	"github.com/23skdu/longbow-offload/internal/tokenizer"
)

func TestReadFormats(t *testing.T) {
	alpaca := `[{"conversations":[{"value":"first"},{"value":"answer"}]},{"conversations":[{"value":"second"}]}]`
	got, err := Read(strings.NewReader(alpaca), "alpaca", "", Template{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got)

	jsonl := "{\"prompt\":\"a\"}\n\n{\"prompt\":\"b\"}\n{\"prompt\":\"c\"}\n"
	got, err = Read(strings.NewReader(jsonl), "jsonl", "prompt", Template{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = Read(strings.NewReader("x\n\ny\n"), "text", "", Template{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got)

	_, err = Read(strings.NewReader("{\"other\":1}\n"), "jsonl", "prompt", Template{}, 0)
	assert.Error(t, err)
	_, err = Read(strings.NewReader(""), "csv", "", Template{}, 0)
	assert.Error(t, err)
}

func TestTemplates(t *testing.T) {
	sst2, err := LookupTemplate("sst2")
	require.NoError(t, err)
	got, err := Read(strings.NewReader("{\"sentence\":\"great movie\"}\n"), "jsonl", "sentence", sst2, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0], "following sentence:great movie"))

	mrpc, err := LookupTemplate("MRPC")
	require.NoError(t, err)
	got, err = Read(strings.NewReader("{\"text1\":\"A\",\"text2\":\"B\"}\n"), "jsonl", "", mrpc, 0)
	require.NoError(t, err)
	assert.Contains(t, got[0], "Sentence 1: \"A\"\nSentence 2: \"B\"")

	_, err = LookupTemplate("nope")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, []byte("one\ntwo\nthree\n"), 0o644))
	got, err := Load([]config.SourceConfig{{Path: a, Format: "text", Limit: 2}, {Path: a, Format: "text"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "one", "two", "three"}, got)

	_, err = Load(nil)
	assert.ErrorIs(t, err, ErrNoPrompts)
	_, err = Load([]config.SourceConfig{{Path: filepath.Join(dir, "missing")}})
	assert.Error(t, err)
}

func TestOrderAndSplit(t *testing.T) {
	in := []string{"ccc", "a", "bb", "dddd", "e"}
	assert.Equal(t, []string{"a", "e", "bb", "ccc", "dddd"}, Order(in, "length", 0))
	assert.Equal(t, in, Order(in, "none", 0))

	s1 := Order(in, "shuffle", 7)
	s2 := Order(in, "shuffle", 7)
	assert.Equal(t, s1, s2)
	assert.ElementsMatch(t, in, s1)

	groups := Split(in, 2)
	require.Len(t, groups, 3)
	assert.Len(t, groups[2], 1)
}

func TestEncodeLeftPads(t *testing.T) {
	b := Encode(tokenizer.Byte{}, []string{"ab", "abcd"}, tokenizer.BytePad)
	assert.Equal(t, 4, b.PromptLen())
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, []int{0, 0, 1, 1}, b.Mask[0])
	assert.Equal(t, []int{1, 1, 1, 1}, b.Mask[1])
	assert.Equal(t, []int{tokenizer.BytePad, tokenizer.BytePad, 'a' + 3, 'b' + 3}, b.InputIDs[0])
	for i := range b.InputIDs {
		assert.Equal(t, len(b.InputIDs[i]), len(b.Mask[i]))
	}
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, "alpaca", FormatForPath("data/ShareGPT.json"))
	assert.Equal(t, "jsonl", FormatForPath("sst2.JSONL"))
	assert.Equal(t, "text", FormatForPath("prompts.txt"))
	assert.Equal(t, "text", FormatForPath("prompts"))
}
