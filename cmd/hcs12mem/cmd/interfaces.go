package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/tbdml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List serial ports and TBDML pods",
	Long: `Scan the host for serial ports usable with the bdm12pod, podex, lrae and sm
interfaces and for TBDML USB pods. Use this to find the -p argument or to check that
a pod is attached.`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ports, err := serialport.List()
	if err != nil {
		log.Warnf("serial port scan: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
	} else {
		fmt.Println("Serial ports:")
		for _, p := range ports {
			fmt.Printf("  - %s\n", p)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pods, err := tbdml.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover TBDML pods: %w", err)
	}
	if len(pods) == 0 {
		fmt.Println("No TBDML pods found.")
		return nil
	}
	fmt.Println("TBDML pods:")
	for _, pod := range pods {
		fmt.Printf("  - %s\n", pod.Label())
	}
	return nil
}
