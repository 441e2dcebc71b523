package models

import (
	"sort"
	"strings"
)

// ConnectionParameters is the credential tuple a session was built with.
type ConnectionParameters struct {
	Domain               string `json:"domain" yaml:"domain"`
	Account              string `json:"account" yaml:"account"`
	CredentialHash       string `json:"credential_hash" yaml:"credentialHash"`
	CredentialHashMethod string `json:"credential_hash_method" yaml:"credentialHashMethod"`
}

// BareAddress returns account@domain, or "" when either part is missing.
func (p ConnectionParameters) BareAddress() string {
	account := strings.TrimSpace(p.Account)
	domain := strings.TrimSpace(p.Domain)
	if account == "" || domain == "" {
		return ""
	}
	return account + "@" + domain
}

type Extension string

const (
	ExtensionLegalIdentity    Extension = "legal-identity"
	ExtensionFileUpload       Extension = "file-upload"
	ExtensionMultiUserChat    Extension = "multi-user-chat"
	ExtensionThingRegistry    Extension = "thing-registry"
	ExtensionProvisioning     Extension = "provisioning"
	ExtensionECurrency        Extension = "e-currency"
	ExtensionTokenizedFeature Extension = "tokenized-feature"
	ExtensionPush             Extension = "push"
	ExtensionEventLog         Extension = "event-log"

	// Always constructed, no discovered address required.
	ExtensionSensor           Extension = "sensor"
	ExtensionControl          Extension = "control"
	ExtensionConcentrator     Extension = "concentrator"
	ExtensionPersonalEventing Extension = "personal-eventing"
	ExtensionTunnel           Extension = "tunnel"
)

// AddressedExtensions lists the extensions whose address is learned through discovery.
var AddressedExtensions = []Extension{
	ExtensionLegalIdentity,
	ExtensionFileUpload,
	ExtensionMultiUserChat,
	ExtensionThingRegistry,
	ExtensionProvisioning,
	ExtensionECurrency,
	ExtensionTokenizedFeature,
	ExtensionEventLog,
}

// AddressSet holds the server addresses learned through service discovery.
type AddressSet struct {
	Addresses     map[Extension]string `json:"addresses" yaml:"addresses"`
	MaxUploadSize int64                `json:"max_upload_size" yaml:"maxUploadSize"`
	PushSupported bool                 `json:"push_supported" yaml:"pushSupported"`
}

func (s AddressSet) Address(ext Extension) string {
	if s.Addresses == nil {
		return ""
	}
	return strings.TrimSpace(s.Addresses[ext])
}

func (s AddressSet) Has(ext Extension) bool {
	return s.Address(ext) != ""
}

func (s *AddressSet) Set(ext Extension, address string) {
	if s.Addresses == nil {
		s.Addresses = make(map[Extension]string)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		delete(s.Addresses, ext)
		return
	}
	s.Addresses[ext] = address
}

func (s AddressSet) Clone() AddressSet {
	out := AddressSet{
		MaxUploadSize: s.MaxUploadSize,
		PushSupported: s.PushSupported,
	}
	if len(s.Addresses) > 0 {
		out.Addresses = make(map[Extension]string, len(s.Addresses))
		for k, v := range s.Addresses {
			out.Addresses[k] = v
		}
	}
	return out
}

// Missing lists mandatory capabilities that discovery has not resolved yet.
func (s AddressSet) Missing() []string {
	var out []string
	for _, ext := range []Extension{
		ExtensionLegalIdentity,
		ExtensionFileUpload,
		ExtensionEventLog,
		ExtensionMultiUserChat,
		ExtensionECurrency,
		ExtensionTokenizedFeature,
	} {
		if !s.Has(ext) {
			out = append(out, string(ext))
		}
	}
	if s.Has(ExtensionFileUpload) && s.MaxUploadSize <= 0 {
		out = append(out, "file-upload-max-size")
	}
	if !s.PushSupported {
		out = append(out, string(ExtensionPush))
	}
	sort.Strings(out)
	return out
}

func (s AddressSet) Complete() bool {
	return len(s.Missing()) == 0
}

// Step tracks how far the onboarding flow has progressed.
type Step int

const (
	StepAccount Step = iota
	StepRegisterIdentity
	StepValidateIdentity
	StepPin
	StepComplete
)

// InitialSetup reports whether the profile has not finished onboarding.
func (s Step) InitialSetup() bool {
	return s < StepComplete
}

type LifecycleState string

const (
	LifecycleUnloaded           LifecycleState = "unloaded"
	LifecycleLoading            LifecycleState = "loading"
	LifecycleConnected          LifecycleState = "connected"
	LifecyclePartiallyConnected LifecycleState = "partially_connected"
	LifecycleUnloading          LifecycleState = "unloading"
)

type PetitionKind string

const (
	PetitionIdentity   PetitionKind = "identity"
	PetitionContract   PetitionKind = "contract"
	PetitionPeerReview PetitionKind = "peer-review"
	PetitionSignature  PetitionKind = "signature"
)

func (k PetitionKind) Valid() bool {
	switch k {
	case PetitionIdentity, PetitionContract, PetitionPeerReview, PetitionSignature:
		return true
	default:
		return false
	}
}

// Endpoint is a resolved connection target.
type Endpoint struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Literal bool   `json:"literal" yaml:"literal"`
}
