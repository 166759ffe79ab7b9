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
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/skiffdb/skiff/pkg/document"
	badgerdb "github.com/skiffdb/skiff/pkg/persistence/badger"
)

var dumpPath string

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [collection]",
		Short: "Print the documents of a durable store directory",
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := badgerdb.Open(dumpPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			names, err := db.Collections()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				names = []string{args[0]}
			}
			sort.Strings(names)

			for _, name := range names {
				docs, err := db.GetAll(name)
				if err != nil {
					return err
				}
				printCollection(name, docs)
			}
			return nil
		},
	}
}

func printCollection(name string, docs []document.Document) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("%s (%d documents)", name, len(docs))
	tw.AppendHeader(table.Row{"ID", "STATE", "DOCUMENT"})

	sort.Slice(docs, func(i, j int) bool {
		a, _ := document.ID(docs[i])
		b, _ := document.ID(docs[j])
		return a < b
	})
	for _, doc := range docs {
		id, _ := document.ID(doc)
		tw.AppendRow(table.Row{id, pendingState(doc), compactJSON(document.StripMeta(doc))})
	}
	tw.Render()
}

func pendingState(doc document.Document) string {
	switch {
	case document.IsPendingDelete(doc):
		return "pending delete"
	case document.IsPendingInsert(doc):
		return "pending insert"
	case document.IsPending(doc):
		return "pending update"
	default:
		if reason, ok := doc[document.FieldError].(string); ok {
			return fmt.Sprintf("error: %s", reason)
		}
		return "synced"
	}
}

func compactJSON(doc document.Document) string {
	data, err := document.MarshalCanonical(doc)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	var buf []byte
	buf = append(buf, data...)
	if len(buf) > 120 {
		buf = append(buf[:117], "..."...)
	}
	return string(buf)
}

func init() {
	cmd := newDumpCmd()
	cmd.Flags().StringVar(&dumpPath, "path", "", "durable store directory")
	_ = cmd.MarkFlagRequired("path")
	rootCmd.AddCommand(cmd)
}
