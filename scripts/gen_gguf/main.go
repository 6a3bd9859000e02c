// Command gen_gguf writes a header-only mixture-of-experts GGUF file that
// moebench can probe for geometry and vocabulary without real weights.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-offload/internal/gguf"
)

func main() {
	out := flag.String("o", "tiny-moe.gguf", "output path")
	arch := flag.String("arch", "llama", "general.architecture")
	layers := flag.Int("layers", 4, "MoE blocks")
	experts := flag.Int("experts", 8, "experts per block")
	topK := flag.Int("top-k", 2, "experts used per token")
	hidden := flag.Int("hidden", 64, "hidden size")
	ffn := flag.Int("ffn", 128, "expert feed-forward size")
	vocab := flag.Int("vocab", 32, "vocabulary size")
	flag.Parse()

	tokens := make([]string, *vocab)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("<t%d>", i)
	}
	fx := gguf.MoEFixture{
		Arch: *arch, Name: "tiny-moe",
		Layers: *layers, Experts: *experts, TopK: *topK,
		Hidden: *hidden, FFN: *ffn, Tokens: tokens,
	}
	if err := fx.Build().WriteFile(*out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d layers x %d experts (top-%d)\n", *out, *layers, *experts, *topK)
}
