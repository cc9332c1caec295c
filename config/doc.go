// Package config loads fabricd's HCL configuration file.
//
// The file sets the node's identity, swarm mode, and tunable
// intervals, and may declare service clusters and schedules the daemon
// registers at startup. String attributes can interpolate environment
// variables through the env map:
//
//	listen_addr = "0.0.0.0:7946"
//	mode        = "mesh"
//	seeds       = ["http://${env.FABRIC_SEED}:7946"]
//
//	service "render-farm" {
//	  type         = "batch"
//	  min_nodes    = 2
//	  capabilities = ["render"]
//	}
//
//	schedule "nightly-sweep" {
//	  cron      = "0 3 * * *"
//	  task_type = "sweep"
//	}
package config
