// Package service wires the control plane together and runs it.
//
// Overview
// The Supervisor builds every component from a model.Config:
//
//	validate.Gate     <- limits
//	engine.Factory    <- engine
//	registry.Registry <- gate, factory
//	hub.Hub
//	scheduler         <- registry, hub, history (optional sqlite store)
//	server.Server     <- all of the above
//
// Do listens on server.listen and runs three concerns until the context is
// cancelled:
//  1. the HTTP server with the REST and WebSocket surfaces
//  2. the scheduler workers executing queued tasks
//  3. the retention sweeper, a gocron job forgetting finished tasks older
//     than retention.ttl
//
// Shutdown order: the HTTP server stops accepting requests, queued tasks are
// cancelled and running ones end, then every simulator is deleted and the
// history database is closed.
//
// internal/service/service_test.go is the best source about how to properly use
// the Supervisor struct.
package service
