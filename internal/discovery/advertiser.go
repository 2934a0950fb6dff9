package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service name clients browse for.
const ServiceType = "_portcullis._tcp"

// Metadata holds the TXT record fields for the advertised service.
type Metadata struct {
	Role        string // always "gateway"
	GatewayPort string // port number as string
	LanHost     string // e.g. "my-mac.local"
	DisplayName string // human-readable instance name
	GatewayID   string // stable id of this gateway, if it has one
}

// Config holds configuration for the mDNS advertiser.
type Config struct {
	InstanceName string // name of the service instance
	Port         int    // port where the gateway is listening
	LanHost      string // optional hostname to advertise
	Meta         Metadata
}

// Advertiser manages the mDNS service registration across interfaces.
type Advertiser struct {
	servers []*mdns.Server
	cfg     Config
}

// NewAdvertiser creates a new advertiser with the given config.
func NewAdvertiser(cfg Config) (*Advertiser, error) {
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("port must be > 0")
	}

	return &Advertiser{
		cfg: cfg,
	}, nil
}

// TXTRecords builds the TXT record set from the configured metadata.
func (a *Advertiser) TXTRecords() []string {
	txt := []string{
		fmt.Sprintf("role=%s", a.cfg.Meta.Role),
		fmt.Sprintf("gatewayPort=%s", a.cfg.Meta.GatewayPort),
		fmt.Sprintf("lanHost=%s", a.cfg.Meta.LanHost),
		fmt.Sprintf("displayName=%s", a.cfg.Meta.DisplayName),
	}
	if a.cfg.Meta.GatewayID != "" {
		txt = append(txt, fmt.Sprintf("gatewayId=%s", a.cfg.Meta.GatewayID))
	}
	return txt
}

// Start begins advertising the service. It returns immediately; the mdns
// library runs its responders in background goroutines.
func (a *Advertiser) Start() error {
	service, err := mdns.NewMDNSService(
		a.cfg.InstanceName,
		ServiceType,
		"",
		"",
		a.cfg.Port,
		nil, // IPs (nil = all interfaces)
		a.TXTRecords(),
	)
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}

	// Bind every multicast-capable interface that is up. mdns.NewServer
	// triggers advertisement immediately.
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	var servers []*mdns.Server
	ifaceFilter := strings.TrimSpace(os.Getenv("PORTCULLIS_MDNS_IFACE"))
	for _, iface := range ifaces {
		iface := iface
		if ifaceFilter != "" && iface.Name != ifaceFilter {
			continue
		}
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagMulticast) == 0 {
			continue
		}

		server, err := mdns.NewServer(&mdns.Config{
			Zone:              service,
			Iface:             &iface,
			LogEmptyResponses: true,
		})
		if err != nil {
			slog.Warn("mdns interface bind failed", "iface", iface.Name, "error", err)
			continue
		}
		slog.Info("mdns interface bound", "iface", iface.Name)
		servers = append(servers, server)
	}

	// Fallback to default interface if none succeeded and no explicit filter.
	if len(servers) == 0 && ifaceFilter == "" {
		server, err := mdns.NewServer(&mdns.Config{
			Zone:              service,
			LogEmptyResponses: true,
		})
		if err != nil {
			return fmt.Errorf("start mdns server: %w", err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return fmt.Errorf("no mdns interfaces bound (filter=%q)", ifaceFilter)
	}

	a.servers = servers
	return nil
}

// Stop shuts down the mDNS advertisement.
func (a *Advertiser) Stop() error {
	var firstErr error
	for _, server := range a.servers {
		if server == nil {
			continue
		}
		if err := server.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
