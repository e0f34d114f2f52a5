// Package topic builds and matches the gateway event topics a subscription is scoped to.
//
// Event topics have the shape {root}/{network}/{sink}/{gateway}/{source_ep}/{destination_ep}.
// Unset scoping fields become the MQTT single-level wildcard "+"; when neither endpoint is
// set the endpoint levels collapse into a trailing multi-level wildcard "#".
package topic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"meshgw/pkg/types"
	"meshgw/pkg/validation"
)

const (
	SingleLevel = "+"
	MultiLevel  = "#"

	// DefaultRoot is the topic root gateways publish received data under
	DefaultRoot = "gw-event/received_data"

	eventLevels = 5
)

// Filter scopes a subscription. Empty lists and nil endpoints are wildcards.
type Filter struct {
	Root        string
	Networks    []string
	Sinks       []string
	Gateways    []string
	Source      *uint8
	Destination *uint8
}

// Tuple identifies the origin of one concrete event topic.
type Tuple struct {
	Network     string
	Sink        string
	Gateway     string
	Source      uint8
	Destination uint8
}

// Topic renders the concrete topic for the tuple under root.
func (t Tuple) Topic(root string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d/%d", root, t.Network, t.Sink, t.Gateway, t.Source, t.Destination)
}

// FromConfig derives a Filter from the subscription settings.
func FromConfig(cfg types.MQTTSubscription) (Filter, error) {
	f := Filter{
		Root:     strings.TrimSuffix(cfg.Root, "/"),
		Networks: cfg.NetworkID,
		Sinks:    cfg.SinkID,
		Gateways: cfg.GatewayID,
	}
	if f.Root == "" {
		f.Root = DefaultRoot
	}

	for _, group := range [][]string{f.Networks, f.Sinks, f.Gateways} {
		for _, id := range group {
			if err := validation.ValidateTopicLevel(id); err != nil {
				return Filter{}, fmt.Errorf("invalid subscription scope %q: %w", id, err)
			}
		}
	}

	var err error
	if f.Source, err = parseEndpoint(cfg.SourceEndpoint); err != nil {
		return Filter{}, fmt.Errorf("invalid source endpoint: %w", err)
	}
	if f.Destination, err = parseEndpoint(cfg.DestinationEndpoint); err != nil {
		return Filter{}, fmt.Errorf("invalid destination endpoint: %w", err)
	}
	return f, nil
}

func parseEndpoint(s string) (*uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == SingleLevel {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q must be a number between 0 and 255", s)
	}
	ep := uint8(v)
	return &ep, nil
}

// Topics returns the sorted, de-duplicated topic patterns covering the filter.
// List-valued scopes expand into their cartesian product.
func (f Filter) Topics() []string {
	root := f.Root
	if root == "" {
		root = DefaultRoot
	}
	tail := f.endpointTail()

	seen := make(map[string]struct{})
	for _, n := range orWildcard(f.Networks) {
		for _, s := range orWildcard(f.Sinks) {
			for _, g := range orWildcard(f.Gateways) {
				seen[root+"/"+n+"/"+s+"/"+g+"/"+tail] = struct{}{}
			}
		}
	}

	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (f Filter) endpointTail() string {
	switch {
	case f.Source == nil && f.Destination == nil:
		return MultiLevel
	case f.Destination == nil:
		return strconv.Itoa(int(*f.Source)) + "/" + SingleLevel
	case f.Source == nil:
		return SingleLevel + "/" + strconv.Itoa(int(*f.Destination))
	default:
		return strconv.Itoa(int(*f.Source)) + "/" + strconv.Itoa(int(*f.Destination))
	}
}

// Match reports whether the tuple falls inside the filter's topic set.
func (f Filter) Match(t Tuple) bool {
	root := f.Root
	if root == "" {
		root = DefaultRoot
	}
	concrete := t.Topic(root)
	for _, pattern := range f.Topics() {
		if Matches(pattern, concrete) {
			return true
		}
	}
	return false
}

func orWildcard(ids []string) []string {
	if len(ids) == 0 {
		return []string{SingleLevel}
	}
	return ids
}

// Matches applies MQTT wildcard semantics: "+" matches exactly one level, a trailing "#"
// matches the parent level and everything below it. Topics starting with "$" are never
// matched by a leading wildcard.
func Matches(pattern, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(pattern, SingleLevel) || strings.HasPrefix(pattern, MultiLevel)) {
		return false
	}

	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, level := range p {
		if level == MultiLevel {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if level != SingleLevel && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// ParseEventTopic splits a concrete event topic published under root into its tuple.
func ParseEventTopic(root, concrete string) (Tuple, error) {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		root = DefaultRoot
	}
	rest, ok := strings.CutPrefix(concrete, root+"/")
	if !ok {
		return Tuple{}, fmt.Errorf("topic %q is not under %q", concrete, root)
	}

	levels := strings.Split(rest, "/")
	if len(levels) != eventLevels {
		return Tuple{}, fmt.Errorf("topic %q has %d levels below root, want %d", concrete, len(levels), eventLevels)
	}
	for _, level := range levels {
		if level == "" || strings.ContainsAny(level, SingleLevel+MultiLevel) {
			return Tuple{}, fmt.Errorf("topic %q is not concrete", concrete)
		}
	}

	src, err := strconv.ParseUint(levels[3], 10, 8)
	if err != nil {
		return Tuple{}, fmt.Errorf("bad source endpoint in topic %q", concrete)
	}
	dst, err := strconv.ParseUint(levels[4], 10, 8)
	if err != nil {
		return Tuple{}, fmt.Errorf("bad destination endpoint in topic %q", concrete)
	}

	return Tuple{
		Network:     levels[0],
		Sink:        levels[1],
		Gateway:     levels[2],
		Source:      uint8(src),
		Destination: uint8(dst),
	}, nil
}
