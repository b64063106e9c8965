//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based implementation of the client token store.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and suits backends that already keep their state in a relational database.
//
// # Database Schema
//
// The package auto-migrates one table:
//   - authsession_tokens: one token pair per session name
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	_ = gormstore.AutoMigrate(db)
//	store := gormstore.NewTokenStore(db, gormstore.WithName("cli"))
package gorm
