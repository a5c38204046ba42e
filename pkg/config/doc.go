// Package config loads the broker configuration from YAML.
//
// All timing policy lives in one Thresholds object so a given resource is
// never judged against two competing constants.
package config
