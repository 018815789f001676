// xfperf.go -- Build/query timing driver for the xor and fuse filters
//
// Author: Sudhi Herle <sudhi@herle.net>
//
// This software does not come with any express or implied
// warranty; it is provided "as is". No claim  is made to its
// suitability for any purpose.

// xfperf builds one of the filters over --loads sequential keys and
// then spawns --readers goroutines, each performing --gets random
// lookups. It reports the build time and the per-reader lookup time
// and hit count. The "bloom" command builds a classical Bloom filter
// (greatroar/blobloom) over the same keys as a baseline.

package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/greatroar/blobloom"
	xf "github.com/opencoff/go-xorfilter"

	flag "github.com/opencoff/pflag"
)

type filter interface {
	ContainsDigest(uint64) bool
}

type bloomFilter struct {
	*blobloom.Filter
}

func (b bloomFilter) ContainsDigest(d uint64) bool {
	return b.Has(d)
}

func main() {
	var seed uint64
	var loads, gets, readers int

	usage := fmt.Sprintf("%s [options] xor8|fuse8|fuse16|bloom", os.Args[0])

	flag.Uint64VarP(&seed, "seed", "s", 0, "Use `S` as the reader RNG seed (0: random)")
	flag.IntVarP(&loads, "loads", "l", 10000000, "Build the filter over `N` sequential keys")
	flag.IntVarP(&gets, "gets", "g", 10000000, "Perform `G` random lookups per reader")
	flag.IntVarP(&readers, "readers", "r", 1, "Spawn `R` concurrent readers")
	flag.Usage = func() {
		fmt.Printf("xfperf - filter build/lookup timing\nUsage: %s\n", usage)
		flag.PrintDefaults()
	}

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		die("No filter type!\nUsage: %s", usage)
	}
	if seed == 0 {
		seed = randSeed()
	}

	keys := make([]uint64, loads)
	for i := range keys {
		keys[i] = uint64(i)
	}

	var f filter
	var err error

	start := time.Now()
	switch args[0] {
	case "xor8":
		f, err = xf.NewXor8Builder().BuildFromDigests(keys)
	case "fuse8":
		f, err = xf.NewFuse8Builder().BuildFromDigests(keys)
	case "fuse16":
		f, err = xf.NewFuse16Builder().BuildFromDigests(keys)
	case "bloom":
		bf := blobloom.NewOptimized(blobloom.Config{
			Capacity: uint64(loads),
			FPRate:   0.004,
		})
		for _, k := range keys {
			bf.Add(k)
		}
		f = bloomFilter{bf}
	default:
		die("Unknown filter type %s\nUsage: %s", args[0], usage)
	}
	if err != nil {
		die("%s: build failed: %s", args[0], err)
	}
	fmt.Printf("%s: took %s to build %d keys\n", args[0], time.Since(start), loads)

	var wg sync.WaitGroup
	for j := 0; j < readers; j++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(seed) + int64(j)))
			hits := 0
			start := time.Now()
			for i := 0; i < gets; i++ {
				if f.ContainsDigest(keys[rng.Intn(loads)]) {
					hits++
				}
			}
			fmt.Printf("reader-%d: took %s to check %d keys, hits:%d\n",
				j, time.Since(start), gets, hits)
		}(j)
	}
	wg.Wait()
}

func randSeed() uint64 {
	return uint64(time.Now().UnixNano())
}

func die(f string, v ...interface{}) {
	s := fmt.Sprintf(f, v...)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		s += "\n"
	}
	os.Stderr.WriteString(s)
	os.Exit(1)
}
