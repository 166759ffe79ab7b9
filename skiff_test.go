/*
 * Copyright 2026 The Skiff Authors. All rights reserved.
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

package skiff_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/skiffdb/skiff"
	"github.com/skiffdb/skiff/pkg/document"
	"github.com/skiffdb/skiff/pkg/query"
	"github.com/skiffdb/skiff/pkg/sync"
)

func TestClientOffline(t *testing.T) {
	client, err := skiff.New(nil, skiff.WithClock(clock.NewMock()))
	assert.NoError(t, err)
	assert.NoError(t, client.Start(context.Background()))
	defer func() {
		assert.NoError(t, client.Close())
	}()

	tasks := client.Collection("tasks")
	doc, err := tasks.Insert(document.Document{"title": "offline"})
	assert.NoError(t, err)
	id, _ := document.ID(doc)

	found := tasks.FindOne(query.Eq("title", "offline"))
	assert.NotNil(t, found)
	gotID, _ := document.ID(found)
	assert.Equal(t, id, gotID)

	assert.Nil(t, client.Subscribe("tasks", nil, sync.SubscriptionOptions{}),
		"no endpoint means no subscriptions")
}

func TestClientDurableRestart(t *testing.T) {
	dir := t.TempDir()
	conf := &skiff.Config{DataDir: dir}

	mock := clock.NewMock()
	client, err := skiff.New(conf, skiff.WithClock(mock))
	assert.NoError(t, err)
	assert.NoError(t, client.Start(context.Background()))

	tasks := client.Collection("tasks").Persist()
	_, err = tasks.InsertOrReplace(document.Document{"_id": "t1", "title": "durable"})
	assert.NoError(t, err)
	mock.Add(100 * time.Millisecond)
	assert.NoError(t, client.Close())

	client, err = skiff.New(&skiff.Config{DataDir: dir}, skiff.WithClock(clock.NewMock()))
	assert.NoError(t, err)
	tasks = client.Collection("tasks").Persist()
	assert.NoError(t, client.Start(context.Background()))
	defer func() {
		assert.NoError(t, client.Close())
	}()

	doc := tasks.FindID("t1")
	assert.NotNil(t, doc)
	assert.Equal(t, "durable", doc["title"])
}

func TestClientSyncLoop(t *testing.T) {
	type received struct {
		auth  map[string]any
		calls []any
	}
	var polls []received
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		auth, _ := body["auth"].(map[string]any)
		calls, _ := body["calls"].([]any)
		polls = append(polls, received{auth: auth, calls: calls})

		results := make([]map[string]any, len(calls))
		for i := range results {
			results[i] = map[string]any{"result": map[string]any{}, "time": 1}
		}
		assert.NoError(t, json.NewEncoder(w).Encode(map[string]any{"calls": results}))
	}))
	defer server.Close()

	mock := clock.NewMock()
	client, err := skiff.New(&skiff.Config{Endpoint: server.URL}, skiff.WithClock(mock))
	assert.NoError(t, err)
	assert.NoError(t, client.Start(context.Background()))
	defer func() {
		assert.NoError(t, client.Close())
	}()

	tasks := client.Collection("tasks")
	doc, err := tasks.Insert(document.Document{"title": "pushed"})
	assert.NoError(t, err)
	id, _ := document.ID(doc)

	// The update debounce fires and triggers one cycle carrying the
	// change-set.
	mock.Add(100 * time.Millisecond)

	assert.Len(t, polls, 1)
	assert.Len(t, polls[0].calls, 1)
	pair := polls[0].calls[0].([]any)
	assert.Equal(t, "changeSetUpdate", pair[0])

	found := tasks.FindID(id)
	assert.NotNil(t, found)
	assert.False(t, document.IsPending(found))
}
