package extensions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

var ErrNoTransport = errors.New("extensions: transport client is required")

// BuildOrder is the dependency order in which sub-clients are constructed.
var BuildOrder = []models.Extension{
	models.ExtensionLegalIdentity,
	models.ExtensionFileUpload,
	models.ExtensionMultiUserChat,
	models.ExtensionThingRegistry,
	models.ExtensionProvisioning,
	models.ExtensionECurrency,
	models.ExtensionTokenizedFeature,
	models.ExtensionPush,
	models.ExtensionSensor,
	models.ExtensionControl,
	models.ExtensionConcentrator,
	models.ExtensionPersonalEventing,
	models.ExtensionTunnel,
}

// Addressed reports whether ext needs a discovered address before it can be built.
func Addressed(ext models.Extension) bool {
	switch ext {
	case models.ExtensionLegalIdentity,
		models.ExtensionFileUpload,
		models.ExtensionMultiUserChat,
		models.ExtensionThingRegistry,
		models.ExtensionProvisioning,
		models.ExtensionECurrency,
		models.ExtensionTokenizedFeature:
		return true
	default:
		return false
	}
}

type Options struct {
	Constructors map[models.Extension]Constructor
	Keys         KeyLoader
	Peps         *PepRegistry
	Logger       *slog.Logger
	OnEvent      func(Event)
}

// Registry owns the live sub-client set of one session.
type Registry struct {
	mu           sync.RWMutex
	constructors map[models.Extension]Constructor
	keys         KeyLoader
	peps         *PepRegistry
	logger       *slog.Logger
	onEvent      func(Event)

	conn        transport.Client
	canGenerate bool
	clients     map[models.Extension]Client
	order       []models.Extension
	// configured holds the target of every sub-client a build was attempted
	// for, whether or not its constructor succeeded.
	configured     map[models.Extension]string
	pushConfigured bool
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	peps := opts.Peps
	if peps == nil {
		peps = NewPepRegistry(logger)
	}
	constructors := make(map[models.Extension]Constructor, len(opts.Constructors))
	for ext, c := range opts.Constructors {
		if c != nil {
			constructors[ext] = c
		}
	}
	return &Registry{
		constructors: constructors,
		keys:         opts.Keys,
		peps:         peps,
		logger:       logger,
		onEvent:      opts.OnEvent,
		clients:      make(map[models.Extension]Client),
		configured:   make(map[models.Extension]string),
	}
}

func (r *Registry) Peps() *PepRegistry {
	return r.peps
}

// Build tears down the current set and constructs every sub-client whose
// prerequisites are present in addrs. A legal-identity key failure aborts the
// build and leaves the registry empty.
func (r *Registry) Build(conn transport.Client, addrs models.AddressSet, canGenerateKeys bool) error {
	if conn == nil {
		return ErrNoTransport
	}
	if err := r.Teardown(); err != nil {
		r.logger.Warn("previous extension set disposed with errors", "error", err.Error())
	}

	built := make(map[models.Extension]Client)
	var order []models.Extension
	for _, ext := range BuildOrder {
		client, err := r.buildOne(conn, ext, addrs, canGenerateKeys)
		if err != nil {
			if contracts.IsFatal(err) {
				if disposeErr := r.disposeAll(built, order); disposeErr != nil {
					r.logger.Warn("partial extension set disposed with errors", "error", disposeErr.Error())
				}
				return err
			}
			r.logger.Warn("extension client not constructed", "extension", string(ext), "error", err.Error())
			continue
		}
		if client == nil {
			continue
		}
		built[ext] = client
		order = append(order, ext)
	}

	configured, push := configuredTargets(BuildOrder, addrs)

	r.mu.Lock()
	r.conn = conn
	r.canGenerate = canGenerateKeys
	r.clients = built
	r.order = order
	r.configured = configured
	r.pushConfigured = push
	r.mu.Unlock()

	for _, ext := range order {
		r.attach(built[ext])
	}
	return nil
}

// BuildMissing constructs sub-clients whose address only became known after
// the last Build. It returns the extensions that were added.
func (r *Registry) BuildMissing(addrs models.AddressSet) ([]models.Extension, error) {
	r.mu.RLock()
	conn := r.conn
	canGenerate := r.canGenerate
	var pending []models.Extension
	for _, ext := range BuildOrder {
		if _, ok := r.clients[ext]; !ok {
			pending = append(pending, ext)
		}
	}
	r.mu.RUnlock()
	if conn == nil {
		return nil, nil
	}

	var added []models.Extension
	var fatal error
	for _, ext := range pending {
		client, err := r.buildOne(conn, ext, addrs, canGenerate)
		if err != nil {
			r.logger.Warn("extension client not constructed", "extension", string(ext), "error", err.Error())
			if contracts.IsFatal(err) {
				fatal = err
				continue
			}
		}
		r.mu.Lock()
		current := r.conn == conn
		if current {
			r.recordTarget(ext, addrs)
		}
		_, exists := r.clients[ext]
		if client != nil && !exists && current {
			r.clients[ext] = client
			r.order = append(r.order, ext)
		}
		r.mu.Unlock()
		if client == nil {
			continue
		}
		if exists || !current {
			if err := client.Dispose(); err != nil {
				r.logger.Warn("discard extension client", "extension", string(ext), "error", err.Error())
			}
			continue
		}
		r.attach(client)
		added = append(added, ext)
	}
	return added, fatal
}

// Teardown disposes every sub-client in reverse construction order.
func (r *Registry) Teardown() error {
	r.mu.Lock()
	clients := r.clients
	order := r.order
	r.clients = make(map[models.Extension]Client)
	r.order = nil
	r.conn = nil
	r.configured = make(map[models.Extension]string)
	r.pushConfigured = false
	r.mu.Unlock()
	return r.disposeAll(clients, order)
}

func (r *Registry) Get(ext models.Extension) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[ext]
	return c, ok
}

func (r *Registry) Supports(ext models.Extension) bool {
	_, ok := r.Get(ext)
	return ok
}

// Address returns the address the last build of ext targeted, or "" when no
// build was attempted. A sub-client whose constructor failed keeps its target
// so an unchanged profile does not read as drift.
func (r *Registry) Address(ext models.Extension) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configured[ext]
}

// PushPresent reports whether the current set was built for a push-capable server.
func (r *Registry) PushPresent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pushConfigured
}

func (r *Registry) Extensions() []models.Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Extension(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) LegalIdentity() (LegalIdentityClient, error) {
	c, ok := r.Get(models.ExtensionLegalIdentity)
	if !ok {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionLegalIdentity))
	}
	legal, ok := c.(LegalIdentityClient)
	if !ok {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionLegalIdentity))
	}
	return legal, nil
}

func (r *Registry) Wallet() (WalletClient, error) {
	c, ok := r.Get(models.ExtensionECurrency)
	if !ok {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionECurrency))
	}
	wallet, ok := c.(WalletClient)
	if !ok {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionECurrency))
	}
	return wallet, nil
}

func (r *Registry) buildOne(conn transport.Client, ext models.Extension, addrs models.AddressSet, canGenerate bool) (Client, error) {
	spec, ok := specFor(ext, addrs)
	if !ok {
		return nil, nil
	}
	ctor, ok := r.constructors[ext]
	if !ok {
		return nil, nil
	}
	if ext == models.ExtensionLegalIdentity {
		if r.keys == nil {
			return nil, contracts.WrapCategorizedError(contracts.ErrorCategorySecurity, contracts.ErrKeysUnavailable)
		}
		keys, err := r.keys.LoadKeys(canGenerate)
		if err != nil {
			return nil, contracts.WrapCategorizedError(contracts.ErrorCategorySecurity, fmt.Errorf("%w: %w", contracts.ErrKeysUnavailable, err))
		}
		spec.Keys = &keys
	}
	client, err := ctor.New(conn, spec)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryCapability, fmt.Errorf("construct %s: %w", ext, err))
	}
	return client, nil
}

func specFor(ext models.Extension, addrs models.AddressSet) (Spec, bool) {
	spec := Spec{Extension: ext}
	switch {
	case ext == models.ExtensionPush:
		if !addrs.PushSupported {
			return Spec{}, false
		}
	case Addressed(ext):
		spec.Address = addrs.Address(ext)
		if spec.Address == "" {
			return Spec{}, false
		}
		if ext == models.ExtensionFileUpload {
			spec.MaxUploadSize = addrs.MaxUploadSize
		}
	}
	return spec, true
}

// recordTarget must be called with r.mu held.
func (r *Registry) recordTarget(ext models.Extension, addrs models.AddressSet) {
	if ext == models.ExtensionPush {
		r.pushConfigured = addrs.PushSupported
		return
	}
	if spec, ok := specFor(ext, addrs); ok && Addressed(ext) {
		r.configured[ext] = spec.Address
	}
}

func configuredTargets(exts []models.Extension, addrs models.AddressSet) (map[models.Extension]string, bool) {
	configured := make(map[models.Extension]string)
	for _, ext := range exts {
		if !Addressed(ext) {
			continue
		}
		if spec, ok := specFor(ext, addrs); ok {
			configured[ext] = spec.Address
		}
	}
	return configured, addrs.PushSupported
}

func (r *Registry) attach(client Client) {
	if src, ok := client.(EventSource); ok && r.onEvent != nil {
		src.OnEvent(r.dispatch)
	}
	if pep, ok := client.(PepClient); ok {
		r.peps.Attach(pep)
	}
}

func (r *Registry) dispatch(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("extension event handler panicked", "extension", string(ev.Extension), "kind", ev.Kind, "panic", rec)
		}
	}()
	r.onEvent(ev)
}

func (r *Registry) disposeAll(clients map[models.Extension]Client, order []models.Extension) error {
	var err error
	for i := len(order) - 1; i >= 0; i-- {
		client, ok := clients[order[i]]
		if !ok {
			continue
		}
		if pep, ok := client.(PepClient); ok {
			r.peps.Detach(pep)
		}
		if disposeErr := client.Dispose(); disposeErr != nil {
			err = multierr.Append(err, fmt.Errorf("dispose %s: %w", order[i], disposeErr))
		}
	}
	return err
}
