// Copyright 2025 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// ErrDomainNotFound indicates libvirt has no domain with the requested name.
var ErrDomainNotFound = errors.New("domain not found")

var (
	errLookupDomain    = errors.New("failed to look up domain")
	errGetDomainState  = errors.New("failed to get domain state")
	errGetDomainXML    = errors.New("failed to get domain XML")
	errUnmarshalDomain = errors.New("failed to unmarshal domain XML")
	errUnknownMemUnit  = errors.New("unknown memory unit")
)

// Domain states as reported by DomainInfo.
const (
	StateNoState     = "nostate"
	StateRunning     = "running"
	StateBlocked     = "blocked"
	StatePaused      = "paused"
	StateShutdown    = "shutdown"
	StateShutoff     = "shutoff"
	StateCrashed     = "crashed"
	StatePMSuspended = "pmsuspended"
	StateUnknown     = "unknown"
)

// DomainInfo summarizes a libvirt domain.
type DomainInfo struct {
	Name      string   `json:"name"`
	State     string   `json:"state"`
	MemoryMiB uint     `json:"memoryMiB"`
	VCPUs     uint     `json:"vcpus"`
	MACs      []string `json:"macs,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// DomainInfo returns the state, resources and leased IPv4 addresses of the
// domain called name. It returns ErrDomainNotFound when the domain does not
// exist.
func (v *VMM) DomainInfo(name string) (*DomainInfo, error) {
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	dom, err := v.conn.LookupDomainByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, errors.Join(fmt.Errorf("vmName=%s", name), ErrDomainNotFound)
		}
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errLookupDomain)
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}

	domXML, err := dom.GetXMLDesc(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainXML)
	}

	info, err := parseDomainXML(domXML)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name))
	}
	info.State = stateString(state)

	// Leases only exist for running domains on libvirt-managed networks.
	if state == libvirt.DOMAIN_RUNNING {
		ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
		if err != nil {
			slog.Debug("error listing interface addresses", "vmName", name, "error", err.Error())
		}
		info.Addresses = ipv4Addresses(ifaces)
	}

	return info, nil
}

// parseDomainXML extracts the resources and MAC addresses of a domain.
func parseDomainXML(domXML string) (*DomainInfo, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domXML); err != nil {
		return nil, errors.Join(err, errUnmarshalDomain)
	}

	info := &DomainInfo{Name: domain.Name}

	if domain.Memory != nil {
		mib, err := memoryMiB(domain.Memory.Value, domain.Memory.Unit)
		if err != nil {
			return nil, err
		}
		info.MemoryMiB = mib
	}

	if domain.VCPU != nil {
		info.VCPUs = domain.VCPU.Value
	}

	if domain.Devices != nil {
		for _, iface := range domain.Devices.Interfaces {
			if iface.MAC != nil && iface.MAC.Address != "" {
				info.MACs = append(info.MACs, iface.MAC.Address)
			}
		}
	}

	return info, nil
}

// memoryMiB converts a libvirt memory amount to MiB. libvirt defaults to KiB.
func memoryMiB(value uint, unit string) (uint, error) {
	switch strings.ToLower(unit) {
	case "", "k", "kib":
		return value / 1024, nil
	case "m", "mib":
		return value, nil
	case "g", "gib":
		return value * 1024, nil
	default:
		return 0, errors.Join(fmt.Errorf("unit=%s", unit), errUnknownMemUnit)
	}
}

func ipv4Addresses(ifaces []libvirt.DomainInterface) []string {
	var out []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				out = append(out, strings.Split(addr.Addr, "/")[0])
			}
		}
	}
	return out
}

func stateString(state libvirt.DomainState) string {
	switch state {
	case libvirt.DOMAIN_NOSTATE:
		return StateNoState
	case libvirt.DOMAIN_RUNNING:
		return StateRunning
	case libvirt.DOMAIN_BLOCKED:
		return StateBlocked
	case libvirt.DOMAIN_PAUSED:
		return StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return StateShutdown
	case libvirt.DOMAIN_SHUTOFF:
		return StateShutoff
	case libvirt.DOMAIN_CRASHED:
		return StateCrashed
	case libvirt.DOMAIN_PMSUSPENDED:
		return StatePMSuspended
	default:
		return StateUnknown
	}
}
