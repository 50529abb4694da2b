// Copyright 2025 James Ross
package pipeline

// FlatJob is one (jobReference, stageIndex) tuple in declaration order, the
// canonical form every other component operates over.
type FlatJob struct {
	Ref        JobRef
	StageIndex int
}

// Flatten normalizes a Config's heterogeneous stage shapes into a flat list
// of (jobReference, stageIndex) tuples. Stage/JobStage/RefStage/Parallel
// already do the per-stage normalization at construction time; Flatten just
// walks the declared order and stamps stage indices.
func Flatten(cfg Config) []FlatJob {
	flat := make([]FlatJob, 0, len(cfg.Stages))
	for stageIdx, stage := range cfg.Stages {
		for _, ref := range stage.Jobs {
			flat = append(flat, FlatJob{Ref: ref, StageIndex: stageIdx})
		}
	}
	return flat
}

// JobNames returns the flat list's job names in declaration order.
func JobNames(cfg Config) []string {
	flat := Flatten(cfg)
	names := make([]string, len(flat))
	for i, fj := range flat {
		names[i] = fj.Ref.Job.Name
	}
	return names
}

// StageIndices returns, for a stage index s, the flat-list positions of its
// jobs in declaration order.
func StageIndices(cfg Config, stageIdx int) []int {
	var idxs []int
	pos := 0
	for s, stage := range cfg.Stages {
		for range stage.Jobs {
			if s == stageIdx {
				idxs = append(idxs, pos)
			}
			pos++
		}
	}
	return idxs
}

// StageOf returns the declared stage index of the job at flat-list position
// jobIndex, or -1 if out of range.
func StageOf(cfg Config, jobIndex int) int {
	pos := 0
	for s, stage := range cfg.Stages {
		for range stage.Jobs {
			if pos == jobIndex {
				return s
			}
			pos++
		}
	}
	return -1
}
