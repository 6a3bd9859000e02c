package config

import "fmt"

// RunMode selects what a benchmark run does. The set of modes is closed;
// the runner dispatches on it with a single type switch.
type RunMode interface {
	runMode()
	String() string
}

// Baseline runs the generation loop without prefetching.
type Baseline struct{}

// CapturePatterns records routing patterns and persists them to Output.
type CapturePatterns struct {
	Output      string
	Columnar    bool
	PublishAddr string
}

// ReplayPatterns prefetches from a previously captured pattern file.
type ReplayPatterns struct {
	Input string
}

// ReplayWithPredictor prefetches from a predictor's output.
type ReplayWithPredictor struct {
	Predictor string
}

func (Baseline) runMode()            {}
func (CapturePatterns) runMode()     {}
func (ReplayPatterns) runMode()      {}
func (ReplayWithPredictor) runMode() {}

func (Baseline) String() string              { return "baseline" }
func (m CapturePatterns) String() string     { return "capture(" + m.Output + ")" }
func (m ReplayPatterns) String() string      { return "replay(" + m.Input + ")" }
func (m ReplayWithPredictor) String() string { return "predict(" + m.Predictor + ")" }

// ModeFromTask maps the numeric task selector to a RunMode:
// 0 baseline, 1 capture, 2 replay, 3 predictor.
func ModeFromTask(task int, patternPath string, out OutputConfig) (RunMode, error) {
	switch task {
	case 0:
		return Baseline{}, nil
	case 1:
		return CapturePatterns{Output: patternPath, Columnar: out.Columnar, PublishAddr: out.PublishAddr}, nil
	case 2:
		return ReplayPatterns{Input: patternPath}, nil
	case 3:
		return ReplayWithPredictor{Predictor: "random"}, nil
	}
	return nil, fmt.Errorf("invalid task: %d (must be 0, 1, 2 or 3)", task)
}
