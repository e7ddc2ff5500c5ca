// Package service keeps projects up to date without user interaction.
//
// Overview
// Env bundles what every project of a controller shares: the executor with
// its process limit, the tipi listener tools connect to, the tool manager
// with the catalog of the preferences, the format registry and the
// optional run history. Projects are opened through Env so that all of them
// use the same collaborators.
//
// The Supervisor owns an event loop for one project. Clients request an
// update of a target, either All or the id of a single processor. Every
// update runs in its own goroutine and the project manager makes sure only
// one sweep over all processors is active at a time.
//
// Data flow:
//
//   gocron / Start(target)    Supervisor                project.Manager
//           |                     |                          |
//           |---- target -------->| update goroutine ------->| Update / UpdateProcessor
//           |                     |                          | tools run via executor
//           |                     |<------ Result -----------|
//           |                     | metrics, logging         |
//
// Modes:
//   - manual: Do updates All once and returns the error of that update.
//   - timer: updates follow service.schedule until the context is cancelled.
//
// When a metrics address is set, Do also serves the prometheus registry of
// the supervisor at /metrics.
package service
