// Package config defines walkie's configuration model and loads it from
// viper, the environment and a watched config file.
package config
