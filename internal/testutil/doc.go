// Package testutil provides test fixtures for tokenkeeper: a controllable
// clock, random values, cached token records and unverified ID tokens.
package testutil
