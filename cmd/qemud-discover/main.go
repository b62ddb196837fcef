// Command qemud-discover browses the local network for qemud bridge
// endpoints over mDNS/DNS-SD and prints what it finds.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sagan/qemud/internal/discovery"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "discovery timeout")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" qemud bridge discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Service : %s\n", discovery.ServiceType)
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := discovery.Discover(*timeout)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No bridges found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d bridge(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	fmt.Println("===============================================================")

	for i, h := range hosts {
		fmt.Printf(" Bridge #%d\n", i+1)
		fmt.Println("---------------------------------------------------------------")
		fmt.Printf(" Instance : %s\n", h.Instance)
		fmt.Printf(" Hostname : %s\n", h.Hostname)
		fmt.Printf(" Port     : %d\n", h.Port)

		fmt.Println(" Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Println("   <none>")
		} else {
			for _, ip := range h.Addresses {
				fmt.Printf("   - %s\n", ip.String())
			}
		}

		fmt.Println(" TXT Records:")
		if len(h.TXT) == 0 {
			fmt.Println("   <none>")
		} else {
			for _, txt := range h.TXT {
				fmt.Printf("   - %s\n", txt)
			}
		}
		fmt.Println("===============================================================")
	}
}
