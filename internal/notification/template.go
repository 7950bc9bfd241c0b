package notification

import (
	"bytes"
	"context"
	"sync"
	text_template "text/template"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// TemplateStore is the read-only subset of the Store that
// StoreAddressResolver needs: a Get by kind and id.
type TemplateStore interface {
	Get(ctx context.Context, kind store.Kind, id string) (any, error)
}

// MessageTemplate is a notification body template keyed by template_id,
// interpolated with text/template's {{.field}} syntax against a job's
// Variables map to produce the message body a Channel sends.
type MessageTemplate struct {
	TemplateID string `db:"template_id" yaml:"template_id"`
	Body       string `db:"body" yaml:"body"`
}

// StaticRenderer renders from an in-process map of templates, compiled once
// at construction. Render errors (unknown template_id, bad template syntax,
// or a missing variable the template references) are permanent.
type StaticRenderer struct {
	mu    sync.RWMutex
	cache map[string]*text_template.Template
	raw   map[string]string
}

// NewStaticRenderer builds a StaticRenderer from templateID -> body source.
func NewStaticRenderer(templates map[string]string) (*StaticRenderer, error) {
	r := &StaticRenderer{cache: make(map[string]*text_template.Template, len(templates)), raw: templates}
	for id, body := range templates {
		t, err := text_template.New(id).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, ierrors.NewPermanent("notification.template.parse", err)
		}
		r.cache[id] = t
	}
	return r, nil
}

// Render implements TemplateRenderer.
func (r *StaticRenderer) Render(templateID string, variables map[string]string) (string, error) {
	r.mu.RLock()
	t, ok := r.cache[templateID]
	r.mu.RUnlock()
	if !ok {
		return "", ierrors.NewPermanent("notification.template.render", errUnknownTemplate(templateID))
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, variables); err != nil {
		return "", ierrors.NewPermanent("notification.template.render", err)
	}
	return buf.String(), nil
}

type errUnknownTemplate string

func (e errUnknownTemplate) Error() string { return "unknown template_id: " + string(e) }

// StoreAddressResolver resolves a NotificationJob's (contact_id, channel)
// pair to a delivery address via the Store's contacts kind.
type StoreAddressResolver struct {
	st TemplateStore
}

// NewStoreAddressResolver builds an AddressResolver backed by st.
func NewStoreAddressResolver(st TemplateStore) *StoreAddressResolver {
	return &StoreAddressResolver{st: st}
}

// Address implements AddressResolver.
func (r *StoreAddressResolver) Address(contactID string, kind types.ChannelKind) (string, error) {
	v, err := r.st.Get(context.Background(), store.KindContacts, contactID)
	if err != nil {
		return "", ierrors.NewPermanent("notification.address.lookup", err)
	}
	contact := v.(types.Contact)
	addr, ok := contact.Addresses[kind]
	if !ok || addr == "" {
		return "", ierrors.NewPermanent("notification.address.lookup", errNoAddress{contactID, kind})
	}
	return addr, nil
}

type errNoAddress struct {
	contactID string
	kind      types.ChannelKind
}

func (e errNoAddress) Error() string {
	return "contact " + e.contactID + " has no address configured for channel " + string(e.kind)
}
