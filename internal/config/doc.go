// Package config provides configuration management for the query router.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. The configuration is an immutable value once loaded:
// callers pass the pieces they need into constructors instead of reading
// package-level state.
//
// # Configuration File
//
// The configuration is stored at ~/.aichat/config.yaml and is automatically
// created with defaults on first use.
//
// # Environment Variables
//
// Values present in the file can be overridden using environment variables
// with the AICHAT_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - AICHAT_ROUTER_CONFIDENCE_THRESHOLD=0.6
//   - AICHAT_ROUTER_GENERATION_MODEL_ID=gemini-flash
//   - AICHAT_LOGGING_LEVEL=debug
//
// API keys left empty in the file fall back to the provider's conventional
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, TAVILY_API_KEY, ...).
//
// # Model Catalogue
//
// llm.models lists every model id the router may use. Each entry names the
// backend that serves it and what that backend supports (JSON mode, native
// tools). router.*_model_id settings refer to these ids.
package config
