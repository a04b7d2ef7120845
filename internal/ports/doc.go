// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// In Clean Architecture / Hexagonal Architecture, ports are the boundaries
// between the application core and the outside world. They define what the
// application needs from external systems without specifying how those needs
// are fulfilled.
//
// # Port Interfaces
//
//   - [RecordStore]: Durable record table (SQLite in production)
//   - [Transport]: Background transfer session that survives restarts
//   - [Uploader]: Delivers a single document to the remote endpoint
//   - [Gate]: Connectivity and resource check before a dispatch pass
//   - [Logger]: Structured logging abstraction
//   - [HTTPClient]: HTTP request abstraction for dependency injection
//
// # Usage
//
// The application layer (internal/app) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement these interfaces
// with concrete implementations (SQLite, journaled session, HTTP, GCS).
package ports
