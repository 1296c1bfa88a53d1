// vaultkv-bench - throughput benchmark for an embedded vaultkv store
//
// Usage:
//
//	vaultkv-bench [flags]
//
// Flags:
//
//	-data string     Root directory the store lives under (default a temp dir)
//	-goroutines int  Number of concurrent writers/readers (default 50)
//	-requests int    Total number of operations (default 100000)
//	-test string     Test type: set,get,mixed (default "mixed")
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultkv/vaultkv"
)

func main() {
	dataDir := flag.String("data", "", "Root directory the store lives under (default a temp dir)")
	goroutines := flag.Int("goroutines", 50, "Number of concurrent writers/readers")
	requests := flag.Int("requests", 100000, "Total number of operations")
	testType := flag.String("test", "mixed", "Test type: set,get,mixed")
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "vaultkv-bench-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdtemp: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}

	fmt.Println("====== vaultkv Benchmark ======")
	fmt.Printf("Data dir: %s\n", dir)
	fmt.Printf("Goroutines: %d\n", *goroutines)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Test: %s\n", *testType)
	fmt.Println()

	db, err := vaultkv.Open("bench", vaultkv.WithRootDir(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// mixed/get first need some existing keys to read back.
	if *testType != "set" {
		for i := 0; i < *goroutines; i++ {
			db.SetBytes(fmt.Sprintf("key:%d:0", i), []byte("seed"))
		}
	}

	var completed int64
	var errored int64
	reqPerWorker := *requests / *goroutines

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *goroutines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < reqPerWorker; j++ {
				key := fmt.Sprintf("key:%d:%d", workerID, j)
				value := fmt.Sprintf("value:%d:%d", workerID, j)

				op := *testType
				if op == "mixed" {
					if j%2 == 0 {
						op = "set"
					} else {
						op = "get"
					}
				}

				var ok bool
				switch op {
				case "set":
					ok = db.SetBytes(key, []byte(value))
				case "get":
					db.GetBytes(key, nil)
					ok = true
				default:
					ok = true
				}

				if ok {
					atomic.AddInt64(&completed, 1)
				} else {
					atomic.AddInt64(&errored, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("====== Results ======")
	fmt.Printf("Total time: %v\n", elapsed)
	fmt.Printf("Completed: %d\n", completed)
	fmt.Printf("Errors: %d\n", errored)
	fmt.Printf("Ops/sec: %.2f\n", float64(completed)/elapsed.Seconds())
}
