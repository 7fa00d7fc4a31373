// Package config provides configuration management for valset.
//
// Process settings are loaded from environment variables using the env
// package; all values have sensible defaults for development use. The step
// graph is loaded from a YAML file named by VALSET_GRAPH_FILE.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	graph, err := config.LoadGraph(cfg.GraphFile)
package config
