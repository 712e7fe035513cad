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

package reporting

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/carverauto/camradar/pkg/models"
)

// Queue rows hold zstd-compressed CBOR. Encoders and decoders are safe for
// concurrent use and are shared.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	encMode, err = opts.EncMode()
	if err != nil {
		panic("reporting: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("reporting: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("reporting: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("reporting: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(rec *models.OutboundRecord) ([]byte, error) {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeRecord(blob []byte) (models.OutboundRecord, error) {
	var rec models.OutboundRecord

	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return rec, fmt.Errorf("zstd decompress: %w", err)
	}

	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}

	return rec, nil
}
