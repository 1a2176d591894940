// Package biostream carries the embedded web assets for the acquisition
// server binary.
package biostream

import "embed"

//go:embed static/*
var StaticFiles embed.FS
