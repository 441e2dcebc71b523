package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/platform/metrics"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

const (
	NamespaceLegalIdentities  = "urn:ieee:iot:leg:id:1.0"
	NamespaceThingRegistry    = "urn:ieee:iot:disco:1.0"
	NamespaceProvisioningDev  = "urn:ieee:iot:prov:d:1.0"
	NamespaceProvisioningOwn  = "urn:ieee:iot:prov:o:1.0"
	NamespaceProvisioningTok  = "urn:ieee:iot:prov:t:1.0"
	NamespaceFileUpload       = "urn:xmpp:http:upload:0"
	NamespaceEventLog         = "urn:xmpp:eventlog"
	NamespaceMultiUserChat    = "http://jabber.org/protocol/muc"
	NamespaceECurrency        = "urn:neuro:edaler:1.0"
	NamespaceTokenizedFeature = "urn:neuro:features:1.0"
	NamespacePush             = "http://waher.se/Schema/PushNotification.xsd"

	// FieldMaxFileSize is the upload service form field carrying its size bound.
	FieldMaxFileSize = "max-file-size"

	DefaultTimeout  = 30 * time.Second
	defaultFanLimit = 8
)

var ErrNoClient = errors.New("discovery: transport client is required")

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Session
}

// Engine walks the server discovery tree and records extension addresses on the profile.
type Engine struct {
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Session
}

func New(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{timeout: opts.Timeout, logger: opts.Logger, metrics: opts.Metrics}
}

// Discover reports whether every mandatory capability is known after the round.
// A failed feature lookup for a single item is logged and does not abort the others.
func (e *Engine) Discover(ctx context.Context, client transport.Client, profile contracts.Profile) (bool, error) {
	if client == nil || profile == nil {
		return false, ErrNoClient
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	domain := client.Domain()
	items, err := client.DiscoverItems(ctx, domain)
	if err != nil {
		e.metrics.Discovery(started, false)
		return false, contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, fmt.Errorf("discover items on %s: %w", domain, err))
	}

	var g errgroup.Group
	g.SetLimit(defaultFanLimit)
	g.Go(func() error {
		info, err := client.DiscoverFeatures(ctx, domain)
		if err != nil {
			e.logger.Warn("root feature discovery failed", "domain", domain, "error", err.Error())
			return nil
		}
		push := info.HasFeature(NamespacePush)
		return profile.UpdateAddresses(func(a *models.AddressSet) {
			a.PushSupported = push
		})
	})
	for _, item := range items {
		item := item
		if strings.TrimSpace(item.Address) == "" {
			continue
		}
		g.Go(func() error {
			info, err := client.DiscoverFeatures(ctx, item.Address)
			if err != nil {
				e.logger.Warn("item feature discovery failed", "item", item.Address, "error", err.Error())
				return nil
			}
			found, maxSize := Classify(info)
			if len(found) == 0 {
				return nil
			}
			return profile.UpdateAddresses(func(a *models.AddressSet) {
				for _, ext := range found {
					a.Set(ext, item.Address)
				}
				if maxSize > 0 {
					a.MaxUploadSize = maxSize
				}
			})
		})
	}
	if err := g.Wait(); err != nil {
		e.metrics.Discovery(started, false)
		return false, fmt.Errorf("record discovered addresses: %w", err)
	}

	missing := profile.Addresses().Missing()
	complete := len(missing) == 0
	e.metrics.Discovery(started, complete)
	if complete {
		e.logger.Info("service discovery complete", "domain", domain, "items", len(items))
	} else {
		e.logger.Warn("service discovery incomplete", "domain", domain, "items", len(items), "missing", strings.Join(missing, ","))
	}
	return complete, nil
}

// Classify maps an item's feature set to the extensions it serves, plus the
// upload size bound when the item is an upload service.
func Classify(info transport.DiscoInfo) ([]models.Extension, int64) {
	var found []models.Extension
	var maxSize int64
	if info.HasFeature(NamespaceLegalIdentities) {
		found = append(found, models.ExtensionLegalIdentity)
	}
	if info.HasFeature(NamespaceThingRegistry) {
		found = append(found, models.ExtensionThingRegistry)
	}
	if info.HasFeature(NamespaceProvisioningDev) &&
		info.HasFeature(NamespaceProvisioningOwn) &&
		info.HasFeature(NamespaceProvisioningTok) {
		found = append(found, models.ExtensionProvisioning)
	}
	if info.HasFeature(NamespaceFileUpload) {
		found = append(found, models.ExtensionFileUpload)
		if raw, ok := info.Fields[FieldMaxFileSize]; ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n > 0 {
				maxSize = n
			}
		}
	}
	if info.HasFeature(NamespaceEventLog) {
		found = append(found, models.ExtensionEventLog)
	}
	if info.HasFeature(NamespaceMultiUserChat) {
		found = append(found, models.ExtensionMultiUserChat)
	}
	if info.HasFeature(NamespaceECurrency) {
		found = append(found, models.ExtensionECurrency)
	}
	if info.HasFeature(NamespaceTokenizedFeature) {
		found = append(found, models.ExtensionTokenizedFeature)
	}
	return found, maxSize
}
