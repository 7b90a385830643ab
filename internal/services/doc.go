// Package services implements the business logic layer of the execution
// lifecycle engine, sitting between HTTP handlers and the store package.
//
// # Architecture Overview
//
//	Handlers (HTTP endpoints)
//	    │
//	    ▼
//	Services Layer
//	    ├── Executions  ──► Store, Dispatch (trigger)
//	    ├── Dispatch    ──► Store, pushclient, scheduler
//	    ├── Wait        ──► Store
//	    ├── Events      ──► Store
//	    ├── Workers     ──► Store
//	    ├── Schedules   ──► Store
//	    └── Registry    ──► Store
//
// Dispatch is the one service with in-process state: a non-blocking
// trigger channel that submits, retries, completions/failures that resume
// a parent, fired schedules and processed event triggers signal without
// waiting for a dispatch pass to run, next to its own fixed tick. Every
// other service is a thin, stateless facade over the store
// layer; correctness lives in the SQL transactions themselves, not in this
// package.
package services
