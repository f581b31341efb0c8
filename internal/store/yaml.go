package store

import (
	"fmt"
	"os"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"gopkg.in/yaml.v3"
)

// subscriptionsFile is the layout of a SUBSCRIPTIONS_FILE:
//
//	subscriptions:
//	  - id: orders-crm
//	    event_type: order.*
//	    destination_url: https://crm.example.com/hooks
//	    secret: ${CRM_WEBHOOK_SECRET}
type subscriptionsFile struct {
	Subscriptions []fileSubscription `yaml:"subscriptions"`
}

// fileSubscription lets a file omit active, which then defaults to true.
type fileSubscription struct {
	domain.Subscription `yaml:",inline"`
	Active              *bool `yaml:"active"`
}

// LoadSubscriptionsFile reads and validates subscriptions from a YAML file.
// ${VAR} references are expanded from the environment before parsing.
func LoadSubscriptionsFile(path string) ([]domain.Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subscriptions file: %w", err)
	}
	return ParseSubscriptions([]byte(os.ExpandEnv(string(data))))
}

func ParseSubscriptions(data []byte) ([]domain.Subscription, error) {
	var file subscriptionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing subscriptions YAML: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Subscriptions))
	subs := make([]domain.Subscription, 0, len(file.Subscriptions))
	for i, fs := range file.Subscriptions {
		sub := fs.Subscription
		sub.Active = fs.Active == nil || *fs.Active
		if err := sub.Validate(); err != nil {
			return nil, fmt.Errorf("subscription %d (%s): %w", i, sub.ID, err)
		}
		if _, dup := seen[sub.ID]; dup {
			return nil, fmt.Errorf("subscription %d: duplicate id %q", i, sub.ID)
		}
		seen[sub.ID] = struct{}{}
		subs = append(subs, sub)
	}
	return subs, nil
}
