// Package middleware provides job middleware for a batch.Mux.
//
// Each constructor returns a batch.Middleware; register them with Mux.Use.
// Middleware registered first is the outermost wrapper.
//
//	mux.Use(middleware.Logging(logger))
//	mux.Use(middleware.Tracing())
//	mux.Use(middleware.Metrics())
//
// Job metadata (id, type, queue, attempt) is read with batch.JobInfo.
package middleware
