package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rickgao/hsm-feed/internal/model"
)

// Connect serializes the authorization frame.
func Connect(creds model.Credentials) ([]byte, error) {
	if creds.Token == "" {
		return nil, ErrMissingToken
	}
	if creds.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	return encode(connectFrame{
		Authorization: creds.Token,
		Sid:           creds.SessionID,
		Type:          TypeConnect,
	})
}

// Subscribe serializes a subscribe frame for ids on channel.
func Subscribe(kind model.SubscriptionKind, channel int, ids []string) ([]byte, error) {
	return scripFrame(kind.SubscribeType(), channel, ids)
}

// Unsubscribe serializes an unsubscribe frame for ids on channel.
func Unsubscribe(kind model.SubscriptionKind, channel int, ids []string) ([]byte, error) {
	return scripFrame(kind.UnsubscribeType(), channel, ids)
}

// PauseResume serializes a channel pause or resume frame.
func PauseResume(action Action, channel int) ([]byte, error) {
	if err := action.valid(); err != nil {
		return nil, err
	}
	return encode(channelFrame{Type: string(action), Channel: channel})
}

func scripFrame(msgType string, channel int, ids []string) ([]byte, error) {
	scrips, err := joinScrips(ids)
	if err != nil {
		return nil, err
	}
	return encode(subscribeFrame{
		Type:       msgType,
		Scrips:     scrips,
		ChannelNum: channel,
	})
}

// joinScrips sorts and de-duplicates ids and joins them with '&'.
func joinScrips(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", ErrNoIdentifiers
	}

	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := model.ValidateIdentifier(id); err != nil {
			return "", err
		}
		if strings.Contains(id, "&") {
			return "", fmt.Errorf("%w: %q contains '&'", model.ErrInvalidIdentifier, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "&"), nil
}

// encode marshals v without HTML escaping so '&' stays literal.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
