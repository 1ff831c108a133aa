package mongo

import (
	"reflect"
	"testing"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestToDocument(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := bson.M{
		"_id":       "m1",
		"_parent":   "p1",
		"_created":  primitive.NewDateTimeFromTime(ts),
		"message":   "hi",
		"timestamp": primitive.NewDateTimeFromTime(ts),
		"members":   primitive.A{"u1", "u2"},
		"reactions": primitive.A{
			primitive.D{{Key: "emoji", Value: "👍"}, {Key: "userIds", Value: primitive.A{"u1"}}},
		},
		"count": int32(3),
	}

	doc := toDocument(raw)
	if doc.ID != "m1" {
		t.Errorf("ID = %q", doc.ID)
	}
	for _, k := range []string{"_id", "_parent", "_created"} {
		if _, ok := doc.Data[k]; ok {
			t.Errorf("bookkeeping field %q leaked into data", k)
		}
	}
	if !reflect.DeepEqual(doc.Data["members"], []any{"u1", "u2"}) {
		t.Errorf("members = %#v", doc.Data["members"])
	}
	if doc.Data["count"] != int64(3) {
		t.Errorf("count = %#v", doc.Data["count"])
	}

	msg := domain.MessageFromDoc(doc.ID, doc.Data, "")
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, ts)
	}
	if len(msg.Reactions) != 1 || msg.Reactions[0].Emoji != "👍" || msg.Reactions[0].UserIDs[0] != "u1" {
		t.Errorf("reactions = %+v", msg.Reactions)
	}
}

func TestWithID(t *testing.T) {
	f := withID(bson.M{"_parent": "p1"}, "r1")
	if f["_id"] != "r1" || f["_parent"] != "p1" {
		t.Errorf("withID = %v", f)
	}
}
