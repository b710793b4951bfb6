// Package migrations provides SQL migration generation.
//
// To generate migrations, use the migrate-gen command:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter postgres --output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/migrate-gen --output ../../migrations
//
// Then run:
//
//	go generate ./...
//
// Apply runs the same statements directly, which is what tests and the
// pupstore CLI use for SQLite databases.
package migrations
