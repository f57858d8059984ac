// Package engine orchestrates generation and re-texturing jobs for one client
// context. It is structured into small files by concern:
//
//   - engine.go: Engine type, constructor, State/Close and the commit boundary.
//   - config.go: Config and package defaults; New applies defaults.
//   - types.go: tagged enums and entities (Job, TextureOperation, BackgroundOperation).
//   - state.go: pure transitions that reject invalid moves, plus admission.
//   - presets.go: quality presets, generate and texture settings.
//   - errors.go: error types and helpers (IsBusy, IsInvalidTransition, IsSubmission).
//   - scheduler.go: polling lanes with generation tokens.
//   - poll.go: lane ticks, progress smoothing and terminal handling.
//   - stage.go: the displayed-stage queue with minimum dwell.
//   - background.go: demotion to and resumption from the background slot.
//   - sync.go: merge of snapshots published by other contexts.
//   - persist.go: snapshot codec and legacy migration.
//   - eta.go, texinfo.go: texture duration samples and per-job texture metadata.
//   - actions.go, navigate.go: the action surface used by presentation layers.
//   - events.go, metrics.go: event publishing and prometheus counters.
//
// All state lives behind one mutex. Network calls run outside it and their
// results re-enter under it, validated against the lane token.
package engine
