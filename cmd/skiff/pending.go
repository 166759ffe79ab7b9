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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/skiffdb/skiff/pkg/db"
	"github.com/skiffdb/skiff/pkg/document"
	badgerdb "github.com/skiffdb/skiff/pkg/persistence/badger"
	"github.com/skiffdb/skiff/pkg/sync"
)

var pendingPath string

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Preview the change-set the next sync cycle would send",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, err := badgerdb.Open(pendingPath)
			if err != nil {
				return err
			}

			names, err := adapter.Collections()
			if err != nil {
				return err
			}

			database := db.New(db.Options{Adapter: adapter})
			for _, name := range names {
				if name == db.StoreCollection {
					continue
				}
				database.Collection(name)
			}
			if err := database.Populate(cmd.Context()); err != nil {
				return err
			}
			defer func() {
				_ = database.Close()
			}()

			cs, err := sync.NewTracker(database).Build()
			if err != nil {
				return err
			}
			if cs == nil {
				fmt.Println("nothing pending")
				return nil
			}
			printChangeSet(cs)
			return nil
		},
	}
}

func printChangeSet(cs sync.ChangeSet) {
	names := make([]string, 0, len(cs))
	for name := range cs {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"COLLECTION", "OP", "ID", "PAYLOAD"})
	for _, name := range names {
		changes := cs[name]
		for _, doc := range changes.Insert {
			id, _ := document.ID(doc)
			tw.AppendRow(table.Row{name, "insert", id, compactJSON(doc)})
		}
		for _, entry := range changes.Update {
			patch, err := json.Marshal(entry.Patch)
			if err != nil {
				patch = []byte(fmt.Sprintf("<%v>", err))
			}
			tw.AppendRow(table.Row{name, "update", entry.ID, string(patch)})
		}
		for _, id := range changes.Delete {
			tw.AppendRow(table.Row{name, "delete", id, ""})
		}
	}
	tw.Render()
}

func init() {
	cmd := newPendingCmd()
	cmd.Flags().StringVar(&pendingPath, "path", "", "durable store directory")
	_ = cmd.MarkFlagRequired("path")
	rootCmd.AddCommand(cmd)
}
