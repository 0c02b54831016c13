//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package common

import "context"

// VectorForID resolves a record's full-precision embedding from the
// surrounding record store. It may be served from cache or remote storage.
type VectorForID[T float32 | byte] func(ctx context.Context, id uint64) ([]T, error)
