package config

import (
	"fmt"
	"net"
	"strconv"
)

// ClusterConfig is the process's place in a multi-process launch. It is
// built once at startup; nothing below main reads the environment.
type ClusterConfig struct {
	Rank       int
	LocalRank  int
	WorldSize  int
	MasterAddr string
	MasterPort int
	// Launched is true when the rank variables came from a launcher.
	Launched bool
}

// IsPrimary reports whether this process persists and publishes results.
func (c ClusterConfig) IsPrimary() bool { return c.Rank == 0 }

// ClusterFromLookup reads RANK, WORLD_SIZE and LOCAL_RANK through lookup.
// When any of them is missing the process runs alone as rank 0 of 1 with a
// loopback master address and a free port from [9000, 10000).
func ClusterFromLookup(lookup func(string) (string, bool)) (ClusterConfig, error) {
	rank, okRank := lookup("RANK")
	world, okWorld := lookup("WORLD_SIZE")
	local, okLocal := lookup("LOCAL_RANK")

	if okRank && okWorld && okLocal {
		var c ClusterConfig
		var err error
		if c.Rank, err = strconv.Atoi(rank); err != nil {
			return ClusterConfig{}, fmt.Errorf("invalid RANK %q: %w", rank, err)
		}
		if c.WorldSize, err = strconv.Atoi(world); err != nil {
			return ClusterConfig{}, fmt.Errorf("invalid WORLD_SIZE %q: %w", world, err)
		}
		if c.LocalRank, err = strconv.Atoi(local); err != nil {
			return ClusterConfig{}, fmt.Errorf("invalid LOCAL_RANK %q: %w", local, err)
		}
		if c.WorldSize <= 0 || c.Rank < 0 || c.Rank >= c.WorldSize {
			return ClusterConfig{}, fmt.Errorf("invalid rank %d for world size %d", c.Rank, c.WorldSize)
		}
		c.MasterAddr, _ = lookup("MASTER_ADDR")
		if p, ok := lookup("MASTER_PORT"); ok {
			if c.MasterPort, err = strconv.Atoi(p); err != nil {
				return ClusterConfig{}, fmt.Errorf("invalid MASTER_PORT %q: %w", p, err)
			}
		}
		c.Launched = true
		return c, nil
	}

	port, err := FindFreePort(9000, 10000)
	if err != nil {
		return ClusterConfig{}, err
	}
	return ClusterConfig{
		WorldSize:  1,
		MasterAddr: "127.0.0.1",
		MasterPort: port,
	}, nil
}

// FindFreePort returns the first TCP port in [start, end) that can be bound.
func FindFreePort(start, end int) (int, error) {
	for port := start; port < end; port++ {
		l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free ports found in range %d-%d", start, end)
}
