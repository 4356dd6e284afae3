// Package config loads casevault application settings from YAML.
//
// Missing files and unset fields fall back to defaults, and a few
// CASEVAULT_* environment variables override the file. Library packages
// never read this; the cmd layer translates it into their options.
package config
