// Package triage decides which job applications need advisor attention.
// It defines the Classifier (pure rules over a single application and a
// caller-supplied clock), the Result and Reason vocabulary, batch helpers for
// collections, and Prometheus gauges fed from a Summary snapshot.
package triage
