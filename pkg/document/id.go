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

package document

import (
	"crypto/rand"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDType is the id-generation policy of a collection.
type IDType string

const (
	// IDTypeRandom generates fixed-alphabet random string ids.
	IDTypeRandom IDType = "random"

	// IDTypeObjectID generates 24-hex foreign-id-style ids and records the
	// _id field in __ObjectIDs so the wire layer can reconstruct the typed
	// id on the server side.
	IDTypeObjectID IDType = "objectid"
)

// unmistakableChars avoids characters that look ambiguous in print.
const unmistakableChars = "23456789ABCDEFGHJKLMNPQRSTWXYZabcdefghijkmnopqrstuvwxyz"

// randomIDLength is the length of generated random ids.
const randomIDLength = 17

// RandomID generates a random fixed-alphabet document id.
func RandomID() string {
	buf := make([]byte, randomIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("random id: %s", err))
	}

	id := make([]byte, randomIDLength)
	for i, b := range buf {
		id[i] = unmistakableChars[int(b)%len(unmistakableChars)]
	}
	return string(id)
}

// NewObjectIDHex generates a new foreign-id-style id in 24-hex string form.
func NewObjectIDHex() string {
	return primitive.NewObjectID().Hex()
}

// EnsureID assigns a fresh _id to the document according to the given
// policy if it does not have one. For IDTypeObjectID the _id field is
// recorded in __ObjectIDs.
func EnsureID(doc Document, idType IDType) {
	if _, ok := ID(doc); ok {
		return
	}

	switch idType {
	case IDTypeObjectID:
		doc[FieldID] = NewObjectIDHex()
		appendObjectIDField(doc, FieldID)
	default:
		doc[FieldID] = RandomID()
	}
}

func appendObjectIDField(doc Document, field string) {
	fields := ObjectIDFields(doc)
	for _, f := range fields {
		if f == field {
			return
		}
	}
	doc[FieldObjectIDs] = append(fields, field)
}
