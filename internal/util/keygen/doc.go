// Package keygen generates random secret material: signing secrets,
// database passwords and one-time retrieval tokens.
package keygen
