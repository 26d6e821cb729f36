package backplane

import (
	"testing"
	"time"
)

func TestMessage_Validate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid key", Message{InstanceID: "i1", RequestID: "r1", Timestamp: now, Kind: KindInvalidateKey, Key: "k"}, false},
		{"valid tag", Message{InstanceID: "i1", RequestID: "r1", Timestamp: now, Kind: KindInvalidateTag, Tag: "t"}, false},
		{"valid clear", Message{InstanceID: "i1", RequestID: "r1", Timestamp: now, Kind: KindClearAll}, false},
		{"missing instance", Message{RequestID: "r1", Timestamp: now, Kind: KindClearAll}, true},
		{"missing request id", Message{InstanceID: "i1", Timestamp: now, Kind: KindClearAll}, true},
		{"zero timestamp", Message{InstanceID: "i1", RequestID: "r1", Kind: KindClearAll}, true},
		{"key kind missing key", Message{InstanceID: "i1", RequestID: "r1", Timestamp: now, Kind: KindInvalidateKey}, true},
		{"tag kind missing tag", Message{InstanceID: "i1", RequestID: "r1", Timestamp: now, Kind: KindInvalidateTag}, true},
		{"unknown kind", Message{InstanceID: "i1", RequestID: "r1", Timestamp: now, Kind: "bogus"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
