// Package provider holds the registry of backend providers a broker process
// ships with. Hypervisor and cloud backends plug in as external modules;
// the in-tree fixedpool backend serves pre-existing machines.
package provider
