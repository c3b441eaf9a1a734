// Package loader drives the module load pipeline: manifest resolution,
// optional ahead-of-time translation, artifact fetch, and sandboxed
// subprocess start, with deterministic teardown.
//
// A single driving loop owns every state transition. Collaborators run on
// worker goroutines and re-enter the pipeline by posting completions to the
// loop, tagged with the generation they were issued under; destruction and
// reload bump the generation, which is how stale completions are suppressed.
package loader
