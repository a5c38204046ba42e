// Package fixedpool implements the backend for pools of pre-existing
// machines. Creating a resource claims a free machine slot and removing it
// returns the slot; no backend provisioning ever happens.
package fixedpool
