// Package infra contains technical adapters: the MQTT broker session, the
// control-plane REST client, metrics recorders and the zerolog logger.
// These packages depend only on the interfaces defined in the core packages.
package infra
