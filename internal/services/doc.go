// Package services provides cross-cutting helpers shared by pipeline
// components: sentinel-marker error classification and context annotation
// for request, stage, and correlation identifiers.
package services
