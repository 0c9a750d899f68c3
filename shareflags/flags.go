// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shareflags provides flag support for use by bigshare command
// line applications.
//
// The hosts of a session are described by a system flag of the form
//
//	<system>[:key=value,...]
//
// where the system names a registered Provider. Every system accepts
// the options hosts=<n> and parallelism=<p>; other options are
// interpreted by the provider.
package shareflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigshare/exec"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// A Provider is a kind of system on which the hosts of a session
// can run.
type Provider interface {
	// Name returns the name by which the system is selected.
	Name() string
	// Help returns a description of the system and of the options
	// it accepts.
	Help() string
	// New returns a host configuration with default options.
	New() Hosts
}

// Hosts configures where the hosts of a session run.
type Hosts interface {
	// Set sets the option key to value.
	Set(key, value string) error
	// ExecOption returns the exec.Option that runs the session's
	// hosts as configured.
	ExecOption() exec.Option
}

// RegisterSystemProvider registers a system provider under the
// provider's name.
func RegisterSystemProvider(provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	name := provider.Name()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("system %s is already used as a profile name", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile': a name that
// stands for a system and some of its options. For example, an
// application that registers
//
//	shareflags.RegisterSystemProfile("pagerank-ec2", "ec2:instance=r5.4xlarge,hosts=16")
//
// accepts
//
//	-system=pagerank-ec2:ondemand=true
//
// as a synonym for
//
//	-system=ec2:instance=r5.4xlarge,hosts=16,ondemand=true
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a system name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// WriteSystemHelp writes a description of the registered systems
// and profiles to w.
func WriteSystemHelp(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(w, "The hosts of a session are specified as <system>[:key=value,...].\n")
	fmt.Fprintf(w, "Every system accepts hosts=<n> and parallelism=<p>.\n\n")
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, providers[name].Help())
	}
	names = names[:0]
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		fmt.Fprintf(w, "\nProfiles:\n")
	}
	for _, name := range names {
		fmt.Fprintf(w, "%s is shorthand for %s\n", name, profiles[name])
	}
}

func unsupported(system, key string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("system %s does not support option %q", system, key))
}

type internalProvider struct{}

func (internalProvider) Name() string { return "internal" }
func (internalProvider) Help() string {
	return "hosts run in this process, connected by an in-memory network (the default)"
}
func (internalProvider) New() Hosts { return internalHosts{} }

type internalHosts struct{}

func (internalHosts) Set(key, _ string) error { return unsupported("internal", key) }
func (internalHosts) ExecOption() exec.Option { return exec.Local }

type localProvider struct{}

func (localProvider) Name() string { return "local" }
func (localProvider) Help() string {
	return "each host runs in its own process on this machine"
}
func (localProvider) New() Hosts { return localHosts{} }

type localHosts struct{}

func (localHosts) Set(key, _ string) error { return unsupported("local", key) }
func (localHosts) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

type ec2Provider struct{}

func (ec2Provider) Name() string { return "ec2" }
func (ec2Provider) Help() string {
	return `each host runs on its own AWS EC2 instance. Options:
	instance=<type>   the EC2 instance type, e.g. r5.2xlarge
	dataspace=<GiB>   size of the data volume
	rootsize=<GiB>    size of the root volume
	ondemand=<bool>   use on-demand rather than spot instances
	profile=<arn>     the instance profile to use instead of the default`
}
func (ec2Provider) New() Hosts { return new(ec2Hosts) }

type ec2Hosts struct {
	system ec2system.System
}

func (h *ec2Hosts) Set(key, value string) error {
	switch key {
	case "instance":
		h.system.InstanceType = value
	case "profile":
		h.system.InstanceProfile = value
	case "dataspace", "rootsize":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("ec2 option %s: not a size in GiB: %q", key, value))
		}
		if key == "dataspace" {
			h.system.Dataspace = uint(n)
		} else {
			h.system.Diskspace = uint(n)
		}
	case "ondemand":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("ec2 option ondemand: not a bool: %q", value))
		}
		h.system.OnDemand = b
	default:
		return unsupported("ec2", key)
	}
	return nil
}

func (h *ec2Hosts) ExecOption() exec.Option {
	system := h.system
	if system.Username == "" {
		system.Username = "unknown"
		if u, err := user.Current(); err == nil {
			system.Username = u.Username
		} else {
			log.Printf("ec2: get current user: %v", err)
		}
	}
	return exec.Bigmachine(&system)
}

func init() {
	RegisterSystemProvider(internalProvider{})
	RegisterSystemProvider(localProvider{})
	RegisterSystemProvider(ec2Provider{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlag values.
func SystemHelpShort(prefix string) string {
	return fmt.Sprintf("where hosts run: {internal,local,ec2,<profile>}[:key=value,...]; see -%ssystem-help", prefix)
}

// SystemFlag is a flag.Value that selects and configures the system
// on which the hosts of a session run.
type SystemFlag struct {
	// Name is the name of the selected system.
	Name string
	// Options are the options given to the system, profile options
	// first.
	Options []string
	// Hosts is the configured system.
	Hosts Hosts
	// NumHosts and Parallelism are set by the hosts= and
	// parallelism= options, and are zero otherwise.
	NumHosts, Parallelism int
	// Specified is true if the flag was given on the command line.
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if len(sys.Options) == 0 {
		return sys.Name
	}
	return sys.Name + ":" + strings.Join(sys.Options, ",")
}

func splitSystem(s string) (name string, options []string) {
	parts := strings.SplitN(s, ":", 2)
	name = parts[0]
	if len(parts) > 1 && parts[1] != "" {
		options = strings.Split(parts[1], ",")
	}
	return
}

func count(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("option %s: not a positive number: %q", key, value))
	}
	return n, nil
}

// Set implements flag.Value.Set. The flag is only modified if the
// whole value is valid.
func (sys *SystemFlag) Set(v string) error {
	name, options := splitSystem(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = splitSystem(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("unknown system or profile %q", name))
	}
	var (
		hosts                 = provider.New()
		numHosts, parallelism int
		err                   error
	)
	for _, opt := range options {
		key, value := opt, "true"
		if i := strings.IndexByte(opt, '='); i >= 0 {
			key, value = opt[:i], opt[i+1:]
		}
		switch key {
		case "hosts":
			numHosts, err = count(key, value)
		case "parallelism":
			parallelism, err = count(key, value)
		default:
			err = hosts.Set(key, value)
		}
		if err != nil {
			return err
		}
	}
	*sys = SystemFlag{
		Name:        name,
		Options:     options,
		Hosts:       hosts,
		NumHosts:    numHosts,
		Parallelism: parallelism,
		Specified:   true,
	}
	return nil
}

// Get implements flag.Getter.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that can be used to configure
// a bigshare command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	// Hosts and Parallelism, when positive, override the system's
	// hosts= and parallelism= options.
	Hosts        int
	Parallelism  int
	RetryBackoff time.Duration
	TracePath    string
	fs           *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// ExecOptions returns the exec.Options that start a session as
// configured by the flags. A session has one host unless the flags
// or the system say otherwise.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Hosts == nil {
		return nil, errors.E(errors.Invalid, "no system specified")
	}
	if bf.Hosts < 0 || bf.Parallelism < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid hosts (%d) or parallelism (%d)", bf.Hosts, bf.Parallelism))
	}
	hosts, parallelism := bf.Hosts, bf.Parallelism
	if hosts == 0 {
		hosts = bf.System.NumHosts
	}
	if hosts == 0 {
		hosts = 1
	}
	if parallelism == 0 {
		parallelism = bf.System.Parallelism
	}
	var shareStatus status.Status
	options := []exec.Option{
		exec.Status(&shareStatus),
		bf.System.Hosts.ExecOption(),
		exec.Hosts(hosts),
	}
	if parallelism > 0 {
		options = append(options, exec.Parallelism(parallelism))
	}
	if bf.RetryBackoff > 0 {
		options = append(options, exec.RetryPolicy(retry.Backoff(bf.RetryBackoff, 100*bf.RetryBackoff, 1.5)))
	}
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
}

// RegisterFlags registers the bigshare command line flags with the
// supplied flag set. The flag names are prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
	})
}

// RegisterFlagsWithDefaults registers the bigshare command line flags
// with the supplied flag set and defaults. The flag names are
// prefixed with prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("shareflags: default system %q: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print host status to stdout")
	fs.IntVar(&bf.Hosts, prefix+"hosts", 0, "number of hosts; 0 uses the system's hosts= option, or 1")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", 0, "number of units of work each host runs at a time; 0 uses the system's parallelism= option, or the number of CPUs")
	fs.DurationVar(&bf.RetryBackoff, prefix+"retry-backoff", 0, "initial backoff between retries of conflicting units of work; 0 retries as soon as the conflict may have cleared")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "path of a trace file to write when the session shuts down")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "describe the available systems and profiles")
	bf.fs = fs
}
