package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/bdm12pod"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/lrae"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/sm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/tbdml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	quiet   bool

	iface       string
	port        string
	baud        int
	osc         string
	targetName  string
	targetDirs  []string
	entry       string
	addressMode string

	verify        bool
	force         bool
	includeErased bool
	keepLRAE      bool
)

var rootCmd = &cobra.Command{
	Use:   "hcs12mem",
	Short: "HC12/HCS12 memory tool",
	Long: `Read and write FLASH, EEPROM and RAM of Freescale HC12/HCS12 microcontrollers
through a BDM pod (bdm12pod, podex, TBDML), the LRAE bootloader or the serial monitor.

Operations run in the order they are given; the first failure aborts the rest.

Examples:
  hcs12mem -i podex -p /dev/ttyS0 -o 16M -t mc9s12dp256b -F -G app.s19 -v
  hcs12mem -i tbdml -o 8M -t mc9s12c32 -E dump.s19
  hcs12mem -i lrae -p /dev/ttyUSB0 -o 16M -t mc9s12dg128b -k -G app.s19
  hcs12mem -i sm -p /dev/ttyUSB0 -t mc9s12dp256b -a banked-ppage -E dump.s19`,
	Version:       "1.0.0",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	RunE: runRoot,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hcs12mem:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "show protocol details")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only show warnings and errors")

	names := make([]string, len(target.Interfaces))
	for i, k := range target.Interfaces {
		names[i] = string(k)
	}
	fs := rootCmd.Flags()
	fs.StringVarP(&iface, "interface", "i", string(target.InterfaceBDM12Pod), "target interface ("+strings.Join(names, ", ")+")")
	fs.StringVarP(&port, "port", "p", "", "serial port")
	fs.IntVarP(&baud, "baud", "b", 0, "serial baud rate (default: interface specific)")
	fs.StringVarP(&osc, "osc", "o", "", "target oscillator frequency (e.g. 16M, 4000kHz)")
	fs.StringVarP(&targetName, "target", "t", "", "target description name or file")
	fs.StringSliceVar(&targetDirs, "target-dir", nil, "additional target description directories")
	fs.StringVarP(&entry, "entry", "j", "", "RAM run entry address, overrides the image")
	fs.StringVarP(&addressMode, "address", "a", target.AddressBankedLinear.String(), "FLASH file address format (non-banked, banked-linear, banked-ppage)")
	fs.BoolVarP(&verify, "verify", "v", false, "verify after write")
	fs.BoolVarP(&force, "force", "f", false, "force overwriting protection and security")
	fs.BoolVarP(&includeErased, "erased", "e", false, "include erased blocks in read files")
	fs.BoolVarP(&keepLRAE, "keep-lrae", "k", false, "LRAE: keep the bootloader when erasing and writing FLASH")
	addOperationFlags(fs)
	fs.SortFlags = false
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	log.SetOutput(os.Stderr)
	switch {
	case verbose:
		log.SetLevel(log.DebugLevel)
	case quiet:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// buildOptions turns the parsed flags into the options snapshot.
func buildOptions() (*target.Options, error) {
	opts := target.DefaultOptions()
	opts.Interface = target.InterfaceKind(strings.ToLower(iface))
	opts.Port = port
	opts.Baud = baud
	opts.Target = targetName
	opts.TargetDirs = targetDirs
	opts.Verify = verify
	opts.Force = force
	opts.IncludeErased = includeErased
	opts.KeepLRAE = keepLRAE

	if osc != "" {
		hz, err := target.ParseFrequency(osc)
		if err != nil {
			return nil, fmt.Errorf("-o: %w", err)
		}
		opts.Osc = hz
	}
	if entry != "" {
		addr, err := targetdesc.ParseNumber(entry)
		if err != nil {
			return nil, fmt.Errorf("-j: invalid address %q: %w", entry, target.ErrInvalid)
		}
		opts.Entry = addr
		opts.EntrySet = true
	}
	mode, err := target.ParseAddressMode(addressMode)
	if err != nil {
		return nil, fmt.Errorf("-a: %w", err)
	}
	opts.AddressMode = mode

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// findTarget looks the description up in --target-dir, $HCS12MEM_TARGETS
// and the built-in set.
func findTarget(opts *target.Options) (*targetdesc.Description, error) {
	repo, err := targetdesc.NewRepository(opts.TargetDirs...)
	if err != nil {
		return nil, err
	}
	desc, err := repo.Find(opts.Target)
	if err != nil {
		return nil, err
	}
	log.Debugf("target %s from %s", desc.Name, desc.Path)
	return desc, nil
}

// newHandler creates the handler for the selected interface.
func newHandler(opts *target.Options, desc *targetdesc.Description) (target.Handler, error) {
	switch opts.Interface {
	case target.InterfaceTBDML:
		return bdmHandler(tbdml.New(tbdml.OpenUSB), desc, opts)
	case target.InterfaceBDM12Pod, target.InterfacePodex, target.InterfacePodexBug, target.InterfacePodex25:
		return bdmHandler(bdm12pod.New(opts, serialport.Open), desc, opts)
	case target.InterfaceSimulator:
		geom, err := mcu.FromDescription(desc, opts.AddressMode)
		if err != nil {
			return nil, err
		}
		return bdmHandler(hcs12bdm.NewSimPod(geom), desc, opts)
	case target.InterfaceLRAE:
		h, err := lrae.New(desc, opts, serialport.Open)
		if err != nil {
			return nil, err
		}
		return h, nil
	case target.InterfaceSM:
		h, err := sm.New(desc, opts, serialport.Open)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	return nil, fmt.Errorf("interface %q: %w", opts.Interface, target.ErrInvalid)
}

func bdmHandler(pod hcs12bdm.Pod, desc *targetdesc.Description, opts *target.Options) (target.Handler, error) {
	h, err := hcs12bdm.New(pod, desc, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	if len(operations) == 0 {
		cmd.Usage()
		return fmt.Errorf("no operation requested: %w", target.ErrInvalid)
	}
	opts, err := buildOptions()
	if err != nil {
		return err
	}
	desc, err := findTarget(opts)
	if err != nil {
		return err
	}
	h, err := newHandler(opts, desc)
	if err != nil {
		return err
	}
	return run(h, desc, operations)
}

// run opens h, executes ops in order and closes h. The first failing
// operation aborts the rest.
func run(h target.Handler, desc *targetdesc.Description, ops []operation) error {
	if err := h.Open(); err != nil {
		return target.Wrap("open", err)
	}
	info := h.Info()
	log.Infof("interface: %s (%s) %s", info.Name, info.Vendor, info.Firmware)
	if info.Notes != "" {
		log.Infof("interface: %s", info.Notes)
	}
	log.Infof("target: %s", desc.InfoDefault("info", desc.Name))

	var failed error
	for _, op := range ops {
		log.Debugf("running %s", op)
		if err := op.run(h, op.arg); err != nil {
			failed = target.Wrap(op.name, err)
			log.Errorf("%s failed (%s)", op.name, target.Code(err))
			break
		}
	}
	if err := h.Close(); err != nil && failed == nil {
		failed = target.Wrap("close", err)
	}
	return failed
}
