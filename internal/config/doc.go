// Package config provides loading and validation of the transcriber settings document.
// The document carries app_settings, model_settings and transcribe_settings sections plus
// transport, status API, completion and logging sections; unknown keys are ignored.
package config
