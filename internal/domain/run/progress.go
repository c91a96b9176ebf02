package run

import "hash/fnv"

// ProgressTracker classifies whether an invocation has produced usable
// output yet and whether recent iterations are stalling on repeated
// results. The loop uses the first to decide if a model failure is
// terminal or just an observation, and the second for diagnostics only;
// the iteration budget remains the sole hard ceiling.
type ProgressTracker struct {
	consecutiveNoProgress int
	threshold             int
	recentHashes          [3]uint64
	recentCount           int
	usableOutput          bool
}

// NewProgressTracker creates a tracker that flags a stall after threshold
// consecutive no-progress steps.
func NewProgressTracker(threshold int) *ProgressTracker {
	if threshold <= 0 {
		threshold = 5
	}
	return &ProgressTracker{threshold: threshold}
}

// RecordTool records one tool response. Progress means a successful call
// whose output is not a repeat of the recent ones.
func (p *ProgressTracker) RecordTool(success bool, output string) {
	h := hashOutput(output)
	if success {
		p.usableOutput = true
	}
	if success && !p.isRepeatedOutput(h) {
		p.consecutiveNoProgress = 0
	} else {
		p.consecutiveNoProgress++
	}
	p.pushHash(h)
}

// RecordNarrative records planner narrative text; non-empty text counts as
// usable output.
func (p *ProgressTracker) RecordNarrative(text string) {
	if text != "" {
		p.usableOutput = true
	}
}

// UsableOutput reports whether anything observable has been produced.
func (p *ProgressTracker) UsableOutput() bool {
	return p.usableOutput
}

// Stalled reports whether recent iterations repeat without progress.
func (p *ProgressTracker) Stalled() bool {
	return p.consecutiveNoProgress >= p.threshold
}

func (p *ProgressTracker) pushHash(h uint64) {
	idx := p.recentCount % len(p.recentHashes)
	p.recentHashes[idx] = h
	p.recentCount++
}

func (p *ProgressTracker) isRepeatedOutput(h uint64) bool {
	if p.recentCount == 0 {
		return false
	}
	for i := range min(p.recentCount, len(p.recentHashes)) {
		if p.recentHashes[i] == h {
			return true
		}
	}
	return false
}

func hashOutput(output string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(output))
	return h.Sum64()
}
