package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the mDNS service type trackers advertise under.
	ServiceType = "_peershare._tcp"
	// Domain is the local domain for mDNS.
	Domain = "local."
)

// ServiceInfo describes a discovered service instance.
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Advertiser broadcasts a running tracker on the LAN so peers can find it
// without being handed the tracker info file out of band.
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver browses for advertised trackers.
type Resolver struct {
	resolver *zeroconf.Resolver
	log      *zap.SugaredLogger
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting under instanceName on the given port, with meta
// flattened into TXT records.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "peershare-tracker"
		} else {
			instanceName = fmt.Sprintf("peershare-tracker-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops broadcasting.
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// NewResolver creates a resolver.
func NewResolver(log *zap.SugaredLogger) (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver, log: log}, nil
}

// Browse scans for trackers until the context is canceled, streaming results.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}

				info := &ServiceInfo{
					InstanceName: entry.Instance,
					HostName:     entry.HostName,
					Port:         entry.Port,
					IPs:          make([]string, 0),
					Meta:         make(map[string]string),
				}

				for _, ip := range entry.AddrIPv4 {
					info.IPs = append(info.IPs, ip.String())
				}

				for _, record := range entry.Text {
					parts := strings.SplitN(record, "=", 2)
					if len(parts) == 2 {
						info.Meta[parts[0]] = parts[1]
					}
				}

				if len(info.IPs) > 0 {
					r.log.Infof("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
					results <- info
				}
			}
		}
	}()

	return results, nil
}
