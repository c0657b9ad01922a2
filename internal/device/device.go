// Package device loads the device dictionary: how a board is powered,
// reached and which deploy and boot methods it supports.
package device

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

type Device struct {
	Hostname        string            `yaml:"hostname"`
	DeviceType      string            `yaml:"device_type"`
	Commands        Commands          `yaml:"commands"`
	Actions         Actions           `yaml:"actions"`
	Environment     map[string]string `yaml:"environment"`
	ADBSerial       string            `yaml:"adb_serial_number"`
	FastbootSerial  string            `yaml:"fastboot_serial_number"`
	FastbootOptions []string          `yaml:"fastboot_options"`
	SSH             SSH               `yaml:"ssh"`
	Constants       Constants         `yaml:"constants"`
	Tags            []string          `yaml:"tags"`
	// Compatibility is the highest strategy compatibility this worker
	// supports for the device.
	Compatibility int `yaml:"compatibility"`
}

type Commands struct {
	// Connect opens the primary serial console.
	Connect     string                       `yaml:"connect"`
	Connections map[string]ConnectionCommand `yaml:"connections"`
	HardReset   CommandList                  `yaml:"hard_reset"`
	SoftReboot  CommandList                  `yaml:"soft_reboot"`
	PowerOn     CommandList                  `yaml:"power_on"`
	PowerOff    CommandList                  `yaml:"power_off"`
	PrePower    CommandList                  `yaml:"pre_power_command"`
	PreOS       CommandList                  `yaml:"pre_os_command"`
	// Users are the named commands a job may run with a command stanza.
	Users map[string]UserCommand `yaml:"users"`
}

// UserCommand runs Do in the command stanza and Undo at cleanup.
type UserCommand struct {
	Do   string `yaml:"do"`
	Undo string `yaml:"undo"`
}

type ConnectionCommand struct {
	Connect string   `yaml:"connect"`
	Tags    []string `yaml:"tags"`
}

type SSH struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	User         string   `yaml:"user"`
	IdentityFile string   `yaml:"identity_file"`
	Password     string   `yaml:"password"`
	Options      []string `yaml:"options"`
}

type Constants struct {
	ShellPrompts      []string `yaml:"shell_prompts"`
	LoginPrompt       string   `yaml:"login_prompt"`
	PasswordPrompt    string   `yaml:"password_prompt"`
	KernelStartPrompt string   `yaml:"kernel_start_message"`
	// CharacterDelay in milliseconds for slow consoles.
	CharacterDelay  int             `yaml:"character_delay"`
	TransferOverlay TransferOverlay `yaml:"transfer_overlay"`
}

// TransferOverlay holds the commands a device uses to fetch and unpack
// the test overlay over its own shell.
type TransferOverlay struct {
	DownloadCommand string `yaml:"download_command"`
	UnpackCommand   string `yaml:"unpack_command"`
}

type Actions struct {
	Deploy Section `yaml:"deploy"`
	Boot   Section `yaml:"boot"`
}

type Section struct {
	Methods     MethodSet       `yaml:"methods"`
	Connections map[string]bool `yaml:"connections"`
}

// CommandList is a command or a list of commands.
type CommandList []string

func (c *CommandList) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		if single != "" {
			*c = CommandList{single}
		}
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return fmt.Errorf("err reading command list: %w", err)
	}
	*c = list
	return nil
}

// MethodSet maps a method name to its device specific parameters. The
// dictionary may list bare method names instead.
type MethodSet map[string]map[string]any

func (m *MethodSet) UnmarshalYAML(unmarshal func(any) error) error {
	var names []string
	if err := unmarshal(&names); err == nil {
		set := make(MethodSet, len(names))
		for _, name := range names {
			set[name] = map[string]any{}
		}
		*m = set
		return nil
	}
	var raw map[string]any
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("err reading methods: %w", err)
	}
	set := make(MethodSet, len(raw))
	for name, v := range raw {
		params := map[string]any{}
		if mv, ok := v.(map[string]any); ok {
			params = mv
		}
		set[name] = params
	}
	*m = set
	return nil
}

func (m MethodSet) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Load(path string) (*Device, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("err reading device dictionary: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Device, error) {
	d := new(Device)
	if err := yaml.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("err parsing device dictionary: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) Validate() error {
	var errs []error
	if d.Hostname == "" {
		errs = append(errs, errors.New("device hostname is missing"))
	}
	if d.DeviceType == "" {
		errs = append(errs, errors.New("device_type is missing"))
	}
	return errors.Join(errs...)
}

func (d *Device) HasDeployMethod(name string) bool {
	_, ok := d.Actions.Deploy.Methods[name]
	return ok
}

func (d *Device) HasBootMethod(name string) bool {
	_, ok := d.Actions.Boot.Methods[name]
	return ok
}

func (d *Device) DeployMethod(name string) map[string]any {
	return d.Actions.Deploy.Methods[name]
}

func (d *Device) BootMethod(name string) map[string]any {
	return d.Actions.Boot.Methods[name]
}

func (d *Device) HasBootConnection(name string) bool {
	return d.Actions.Boot.Connections[name]
}

// ConnectCommand returns the command opening the primary console. A
// connection tagged "primary" wins over the plain connect command.
func (d *Device) ConnectCommand() (string, []string) {
	names := make([]string, 0, len(d.Commands.Connections))
	for name := range d.Commands.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := d.Commands.Connections[name]
		for _, tag := range c.Tags {
			if tag == "primary" {
				return c.Connect, c.Tags
			}
		}
	}
	return d.Commands.Connect, nil
}

// Prompts returns the shell prompts of the device or a generic default.
func (d *Device) Prompts() []string {
	if len(d.Constants.ShellPrompts) > 0 {
		return d.Constants.ShellPrompts
	}
	return []string{`[#$] ?$`}
}
