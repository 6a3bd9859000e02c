package dataset

import (
	"fmt"
	"strings"
)

// Template wraps a source record into a prompt. Format holds one %s per
// entry of Fields; with no Fields the record's "text" is appended to Format.
type Template struct {
	Name   string
	Format string
	Fields []string
}

const sst2Prefix = `For each given sentence, determine the sentiment expressed. If the sentiment is positive, return "positive". If the sentiment is negative, return "negative". Consider only these two categories for sentiment analysis. Please analyze the sentiment of the following sentence:`

const mrpcFormat = `Given two sentences, determine whether they express the same meaning. If they are paraphrases of each other, return "equivalent". If they are not, return "not equivalent". Please evaluate the following sentence pair:
Sentence 1: "%s"
Sentence 2: "%s"`

var templates = map[string]Template{
	"":     {},
	"none": {},
	"sst2": {Name: "sst2", Format: sst2Prefix},
	"mrpc": {Name: "mrpc", Format: mrpcFormat, Fields: []string{"text1", "text2"}},
}

func LookupTemplate(name string) (Template, error) {
	t, ok := templates[strings.ToLower(name)]
	if !ok {
		return Template{}, fmt.Errorf("unknown prompt template %q", name)
	}
	return t, nil
}

func (t Template) Apply(rec map[string]string) string {
	if len(t.Fields) == 0 {
		return t.Format + rec["text"]
	}
	args := make([]any, len(t.Fields))
	for i, f := range t.Fields {
		args[i] = rec[f]
	}
	return fmt.Sprintf(t.Format, args...)
}
