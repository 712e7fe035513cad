/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package onvif

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	actionEventCapabilities = "http://www.onvif.org/ver10/events/wsdl/EventPortType/GetServiceCapabilitiesRequest"
	actionCreatePullPoint   = "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest"
	actionPullMessages      = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"
	actionRenew             = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/RenewRequest"
	actionUnsubscribe       = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeRequest"
)

var errNoSubscriptionReference = errors.New("onvif: response has no subscription reference")

// EventCapabilities is the subset of GetServiceCapabilities we act on.
type EventCapabilities struct {
	PullPoint bool
	Basic     bool
}

// GetEventCapabilities queries the events service.
func (c *Client) GetEventCapabilities(ctx context.Context, eventsAddr string) (*EventCapabilities, error) {
	var resp struct {
		Caps struct {
			PullPoint string `xml:"WSPullPointSupport,attr"`
			Basic     string `xml:"WSBasicNotificationInterfaceSupport,attr"`
		} `xml:"Body>GetServiceCapabilitiesResponse>Capabilities"`
	}

	if err := c.Call(ctx, eventsAddr, actionEventCapabilities, `<tev:GetServiceCapabilities/>`, &resp); err != nil {
		return nil, err
	}

	return &EventCapabilities{
		PullPoint: parseBool(resp.Caps.PullPoint),
		Basic:     parseBool(resp.Caps.Basic),
	}, nil
}

// PullPoint is an established pull-point subscription.
type PullPoint struct {
	Address  string
	Deadline time.Time
}

type terminationTimes struct {
	Current     string `xml:"CurrentTime"`
	Termination string `xml:"TerminationTime"`
}

// deadline converts the device's termination time into local time using
// the device's own clock reading to cancel out skew.
func (t terminationTimes) deadline(now time.Time, fallback time.Duration) time.Time {
	term, err := time.Parse(time.RFC3339, strings.TrimSpace(t.Termination))
	if err != nil {
		return now.Add(fallback)
	}

	cur, err := time.Parse(time.RFC3339, strings.TrimSpace(t.Current))
	if err != nil {
		return term
	}

	return now.Add(term.Sub(cur))
}

// CreatePullPointSubscription opens a subscription lasting termination.
func (c *Client) CreatePullPointSubscription(ctx context.Context, eventsAddr string, termination time.Duration) (*PullPoint, error) {
	var resp struct {
		Result struct {
			Address     string `xml:"SubscriptionReference>Address"`
			Current     string `xml:"CurrentTime"`
			Termination string `xml:"TerminationTime"`
		} `xml:"Body>CreatePullPointSubscriptionResponse"`
	}

	body := `<tev:CreatePullPointSubscription><tev:InitialTerminationTime>` +
		FormatXSDDuration(termination) + `</tev:InitialTerminationTime></tev:CreatePullPointSubscription>`

	now := c.now()

	if err := c.Call(ctx, eventsAddr, actionCreatePullPoint, body, &resp); err != nil {
		return nil, err
	}

	addr := strings.TrimSpace(resp.Result.Address)
	if addr == "" {
		return nil, errNoSubscriptionReference
	}

	times := terminationTimes{Current: resp.Result.Current, Termination: resp.Result.Termination}

	return &PullPoint{Address: addr, Deadline: times.deadline(now, termination)}, nil
}

// Renew extends a subscription and returns the new deadline.
func (c *Client) Renew(ctx context.Context, subscriptionAddr string, termination time.Duration) (time.Time, error) {
	var resp struct {
		Times terminationTimes `xml:"Body>RenewResponse"`
	}

	body := `<wsnt:Renew><wsnt:TerminationTime>` + FormatXSDDuration(termination) + `</wsnt:TerminationTime></wsnt:Renew>`

	now := c.now()

	if err := c.Call(ctx, subscriptionAddr, actionRenew, body, &resp); err != nil {
		return time.Time{}, err
	}

	return resp.Times.deadline(now, termination), nil
}

// Unsubscribe releases a subscription.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionAddr string) error {
	return c.Call(ctx, subscriptionAddr, actionUnsubscribe, `<wsnt:Unsubscribe/>`, nil)
}

// SimpleItem is a name/value pair of an ONVIF message.
type SimpleItem struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

// Notification is one decoded wsnt:NotificationMessage.
type Notification struct {
	Topic             string
	UtcTime           time.Time
	PropertyOperation string
	Source            []SimpleItem
	Data              []SimpleItem
	Raw               []byte
}

// DataValue returns the value of the named data item.
func (n *Notification) DataValue(name string) (string, bool) {
	for _, item := range n.Data {
		if strings.EqualFold(item.Name, name) {
			return item.Value, true
		}
	}

	return "", false
}

type notificationMessage struct {
	Topic   string `xml:"Topic"`
	Message struct {
		Message struct {
			UtcTime           string       `xml:"UtcTime,attr"`
			PropertyOperation string       `xml:"PropertyOperation,attr"`
			Source            []SimpleItem `xml:"Source>SimpleItem"`
			Data              []SimpleItem `xml:"Data>SimpleItem"`
		} `xml:"Message"`
	} `xml:"Message"`
	Raw []byte `xml:",innerxml"`
}

// PullMessages waits up to timeout for at most limit notifications.
func (c *Client) PullMessages(ctx context.Context, subscriptionAddr string, timeout time.Duration, limit int) ([]Notification, error) {
	var resp struct {
		Messages []notificationMessage `xml:"Body>PullMessagesResponse>NotificationMessage"`
	}

	body := `<tev:PullMessages><tev:Timeout>` + FormatXSDDuration(timeout) + `</tev:Timeout>` +
		`<tev:MessageLimit>` + strconv.Itoa(limit) + `</tev:MessageLimit></tev:PullMessages>`

	if err := c.Call(ctx, subscriptionAddr, actionPullMessages, body, &resp); err != nil {
		return nil, err
	}

	out := make([]Notification, 0, len(resp.Messages))

	for _, m := range resp.Messages {
		n := Notification{
			Topic:             strings.TrimSpace(m.Topic),
			PropertyOperation: m.Message.Message.PropertyOperation,
			Source:            m.Message.Message.Source,
			Data:              m.Message.Message.Data,
			Raw:               m.Raw,
		}

		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(m.Message.Message.UtcTime)); err == nil {
			n.UtcTime = ts
		}

		out = append(out, n)
	}

	return out, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}
