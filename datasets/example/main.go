package main

// Example command that shards a directory of NAIP tiles over a few workers,
// pulls one minibatch per worker and converts it into gomlx tensors.
//
// Tiles are loaded lazily: a worker reads its rasters on its first
// minibatch only.
//
// Usage:
//   go run ./datasets/example -dir ../assets/naip -workers 2

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/Noofbiz/landCover/datasets"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	dir := flag.String("dir", "../assets/naip", "directory with *_NAIP.tif / *_LandCover.tif pairs")
	workers := flag.Int("workers", 2, "number of worker streams")
	batch := flag.Int("batch", datasets.DefaultBatchSize, "patches per minibatch")
	flag.Parse()

	ids, err := datasets.FindTiles(*dir)
	if err != nil {
		klog.Exitf("failed to find tiles: %v", err)
	}
	fmt.Printf("Found %d tiles in %s\n", len(ids), *dir)

	shard, err := datasets.AssignTiles(ids, *workers, rand.New(rand.NewSource(0)))
	if err != nil {
		klog.Exitf("failed to assign tiles: %v", err)
	}
	a := datasets.NewAssembler(shard, datasets.StreamConfig{}, nil)

	for rank := range a.Workers() {
		fmt.Printf("Worker %d owns %v\n", rank, shard[rank])
		mb, err := a.NextMinibatch(rank, *batch)
		if err != nil {
			klog.Exitf("worker %d: failed to build minibatch: %v", rank, err)
		}
		inT, laT, err := mb.ToGomlxTensors()
		if err != nil {
			klog.Exitf("worker %d: failed to convert minibatch: %v", rank, err)
		}
		fmt.Printf("  tile %s\n", mb.TileID)
		fmt.Printf("  features: %s\n", inT.Shape())
		fmt.Printf("  labels:   %s\n", laT.Shape())
	}

	fmt.Println("\nExample completed successfully!")
}
