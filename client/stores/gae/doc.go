//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of the client
// token store. It supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
//   - SessionTokens: one token pair per session name
//
// # Usage
//
//	dsClient, _ := datastore.NewClient(ctx, projectID)
//	store := gae.NewTokenStore(dsClient, "tenant-123", gae.WithName("cli"))
package gae
