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

package validator

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/carverauto/camradar/pkg/models"
)

// mediaFromH264 reads dimensions and frame rate from an SPS. A missing or
// unparsable SPS still yields the codec name.
func mediaFromH264(sps []byte) models.MediaInfo {
	info := models.MediaInfo{Codec: "h264"}

	if len(sps) == 0 {
		return info
	}

	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return info
	}

	info.Width = s.Width()
	info.Height = s.Height()
	info.FrameRate = s.FPS()

	return info
}

func mediaFromH265(sps []byte) models.MediaInfo {
	info := models.MediaInfo{Codec: "h265"}

	if len(sps) == 0 {
		return info
	}

	var s h265.SPS
	if err := s.Unmarshal(sps); err != nil {
		return info
	}

	info.Width = s.Width()
	info.Height = s.Height()
	info.FrameRate = s.FPS()

	return info
}

func h264Type(nalu []byte) h264.NALUType {
	return h264.NALUType(nalu[0] & 0x1F)
}

func h265Type(nalu []byte) h265.NALUType {
	return h265.NALUType((nalu[0] >> 1) & 0b111111)
}

// h264RandomAccess reports whether au starts a decodable picture.
func h264RandomAccess(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && h264Type(nalu) == h264.NALUTypeIDR {
			return true
		}
	}

	return false
}

func h265RandomAccess(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}

		switch h265Type(nalu) {
		case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
			return true
		}
	}

	return false
}

// inBandH264SPS finds an SPS carried inside an access unit.
func inBandH264SPS(au [][]byte) []byte {
	for _, nalu := range au {
		if len(nalu) > 0 && h264Type(nalu) == h264.NALUTypeSPS {
			return nalu
		}
	}

	return nil
}

func inBandH265SPS(au [][]byte) []byte {
	for _, nalu := range au {
		if len(nalu) > 0 && h265Type(nalu) == h265.NALUType_SPS_NUT {
			return nalu
		}
	}

	return nil
}
