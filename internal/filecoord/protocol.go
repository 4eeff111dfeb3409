package filecoord

import (
	"fmt"

	"github.com/trivago/nsxpcd/internal/bplist"
)

// MessageType enumerates spec.md §6's FC daemon wire protocol message
// types. Unlike the NSXPC wire engine's invocation/reply shape, the FC
// daemon's protocol is a flat set of typed dictionaries exchanged directly
// over a transport.Transport, which is why this package codes them with
// bplist directly rather than going through internal/objcoder.
type MessageType int

const (
	MsgIntent                MessageType = 1
	MsgIntentReply            MessageType = 2
	MsgIntentCompletion       MessageType = 3
	MsgIntentCompletionReply  MessageType = 4
	MsgNotification           MessageType = 5
	MsgNotificationReply      MessageType = 6
	MsgCancellation           MessageType = 7
	MsgPresenterNotification  MessageType = 8
	MsgPresenterReply         MessageType = 9
)

// WireResult is spec.md §6's Reply results enum: Ok(1) / Error(2).
type WireResult int

const (
	WireOk    WireResult = 1
	WireError WireResult = 2
)

// Message is the in-memory shape of one FC wire dictionary. Fields not
// meaningful for a given Type are left zero. EncodeMessage always writes
// "type", writes "kind" on Intent messages and "notification-type" on
// PresenterNotification messages, and writes every other key whose field
// is non-zero, whatever the message's type.
type Message struct {
	Type                MessageType
	Path                string
	RequestKind         Kind
	Options             Options
	CancellationToken   string
	PurposeID           string
	Result              WireResult
	NotificationType    NotificationType
	Details             map[string]string
	NewPath             string
	ChangedAttributes   map[string]string
	Notifications       []Notification
	Responses           []WireResult
}

// Kind reports the read/write intent carried by an Intent message.
func (m Message) Kind() Kind { return m.RequestKind }

// EncodeMessage serializes m into a bplist16 payload using spec.md §6's
// bit-exact key names.
func EncodeMessage(m Message) ([]byte, error) {
	w := bplist.NewWriter()
	w.OpenDict()

	w.WriteString("type")
	w.WriteInt(int64(m.Type))

	if m.Path != "" {
		w.WriteString("path")
		w.WriteString(m.Path)
	}
	if m.Type == MsgIntent {
		w.WriteString("kind")
		w.WriteInt(int64(m.RequestKind))
	}
	if m.Options != 0 {
		w.WriteString("options")
		w.WriteUnsigned(uint64(m.Options))
	}
	if m.CancellationToken != "" {
		w.WriteString("cancellation-token")
		w.WriteString(m.CancellationToken)
	}
	if m.PurposeID != "" {
		w.WriteString("purpose-identifier")
		w.WriteString(m.PurposeID)
	}
	if m.Result != 0 {
		w.WriteString("result")
		w.WriteInt(int64(m.Result))
	}
	if m.Type == MsgPresenterNotification {
		w.WriteString("notification-type")
		w.WriteInt(int64(m.NotificationType))
	}
	if len(m.Details) > 0 {
		writeStringMap(w, "details", m.Details)
	}
	if m.NewPath != "" {
		w.WriteString("new-path")
		w.WriteString(m.NewPath)
	}
	if len(m.ChangedAttributes) > 0 {
		writeStringMap(w, "changed-attributes", m.ChangedAttributes)
	}
	if len(m.Notifications) > 0 {
		w.WriteString("notifications")
		w.OpenArray()
		for _, n := range m.Notifications {
			w.OpenDict()
			w.WriteString("notification-type")
			w.WriteInt(int64(n.Type))
			w.WriteString("path")
			w.WriteString(n.Path)
			if n.NewPath != "" {
				w.WriteString("new-path")
				w.WriteString(n.NewPath)
			}
			w.Close()
		}
		w.Close()
	}
	if len(m.Responses) > 0 {
		w.WriteString("responses")
		w.OpenArray()
		for _, r := range m.Responses {
			w.WriteInt(int64(r))
		}
		w.Close()
	}

	w.Close()
	return w.Finish()
}

func writeStringMap(w *bplist.Writer, key string, m map[string]string) {
	w.WriteString(key)
	w.OpenDict()
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
	w.Close()
}

// DecodeMessage parses a payload written by EncodeMessage.
func DecodeMessage(root []byte) (Message, error) {
	r, err := bplist.NewReader(root)
	if err != nil {
		return Message{}, err
	}
	top, err := r.Root()
	if err != nil {
		return Message{}, err
	}

	var m Message
	typeVal, ok, err := top.LookupString("type")
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, fmt.Errorf("filecoord: message missing required %q key", "type")
	}
	t, err := typeVal.Int()
	if err != nil {
		return Message{}, err
	}
	m.Type = MessageType(t)

	if v, ok, err := top.LookupString("path"); err != nil {
		return Message{}, err
	} else if ok {
		if m.Path, err = v.String(); err != nil {
			return Message{}, err
		}
	}
	if v, ok, err := top.LookupString("kind"); err != nil {
		return Message{}, err
	} else if ok {
		n, err := v.Int()
		if err != nil {
			return Message{}, err
		}
		m.RequestKind = Kind(n)
	}
	if v, ok, err := top.LookupString("options"); err != nil {
		return Message{}, err
	} else if ok {
		u, err := v.Uint64()
		if err != nil {
			return Message{}, err
		}
		m.Options = Options(u)
	}
	if v, ok, err := top.LookupString("cancellation-token"); err != nil {
		return Message{}, err
	} else if ok {
		if m.CancellationToken, err = v.String(); err != nil {
			return Message{}, err
		}
	}
	if v, ok, err := top.LookupString("purpose-identifier"); err != nil {
		return Message{}, err
	} else if ok {
		if m.PurposeID, err = v.String(); err != nil {
			return Message{}, err
		}
	}
	if v, ok, err := top.LookupString("result"); err != nil {
		return Message{}, err
	} else if ok {
		n, err := v.Int()
		if err != nil {
			return Message{}, err
		}
		m.Result = WireResult(n)
	}
	if v, ok, err := top.LookupString("notification-type"); err != nil {
		return Message{}, err
	} else if ok {
		n, err := v.Int()
		if err != nil {
			return Message{}, err
		}
		m.NotificationType = NotificationType(n)
	}
	if v, ok, err := top.LookupString("details"); err != nil {
		return Message{}, err
	} else if ok {
		if m.Details, err = readStringMap(v); err != nil {
			return Message{}, err
		}
	}
	if v, ok, err := top.LookupString("new-path"); err != nil {
		return Message{}, err
	} else if ok {
		if m.NewPath, err = v.String(); err != nil {
			return Message{}, err
		}
	}
	if v, ok, err := top.LookupString("changed-attributes"); err != nil {
		return Message{}, err
	} else if ok {
		if m.ChangedAttributes, err = readStringMap(v); err != nil {
			return Message{}, err
		}
	}
	if v, ok, err := top.LookupString("notifications"); err != nil {
		return Message{}, err
	} else if ok {
		items, err := v.ArrayItems()
		if err != nil {
			return Message{}, err
		}
		m.Notifications = make([]Notification, len(items))
		for i, item := range items {
			n, err := readNotificationItem(item)
			if err != nil {
				return Message{}, err
			}
			m.Notifications[i] = n
		}
	}
	if v, ok, err := top.LookupString("responses"); err != nil {
		return Message{}, err
	} else if ok {
		items, err := v.ArrayItems()
		if err != nil {
			return Message{}, err
		}
		m.Responses = make([]WireResult, len(items))
		for i, item := range items {
			n, err := item.Int()
			if err != nil {
				return Message{}, err
			}
			m.Responses[i] = WireResult(n)
		}
	}

	return m, nil
}

func readStringMap(v bplist.Value) (map[string]string, error) {
	entries, err := v.DictEntries()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		key, err := e.Key.String()
		if err != nil {
			return nil, err
		}
		val, err := e.Value.String()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func readNotificationItem(v bplist.Value) (Notification, error) {
	var n Notification
	typeVal, ok, err := v.LookupString("notification-type")
	if err != nil {
		return n, err
	}
	if ok {
		t, err := typeVal.Int()
		if err != nil {
			return n, err
		}
		n.Type = NotificationType(t)
	}
	if pathVal, ok, err := v.LookupString("path"); err != nil {
		return n, err
	} else if ok {
		if n.Path, err = pathVal.String(); err != nil {
			return n, err
		}
	}
	if newPathVal, ok, err := v.LookupString("new-path"); err != nil {
		return n, err
	} else if ok {
		if n.NewPath, err = newPathVal.String(); err != nil {
			return n, err
		}
	}
	return n, nil
}
