// Package service runs ingest passes over the configured data sources and
// delivers the resulting BOMs.
//
// The Supervisor owns an event loop. Every start signal, sent by the
// manual mode once on entry or by the timer scheduler, opens the data
// sources, ingests them through the Ingester and uploads the BOM to every
// configured Uploader. Signals arriving while a pass is running are
// coalesced into a single follow-up pass.
//
// Data flow:
//
//	Supervisor           Ingester                 ingest.Manager
//	    |                   |                          |
//	start -> sources ------>| NewJob/StartJob -------->| scheduler + workers
//	    |                   |<------ Job.Done ---------|
//	    |                   | store.Results -> bom     |
//	    |<------ BOM -------|                          |
//	upload
//
// Each pass is recorded by a RunStore when one is configured.
package service
