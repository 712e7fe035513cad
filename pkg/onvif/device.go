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

package onvif

import (
	"context"
	"strings"
)

const (
	actionGetDeviceInformation = "http://www.onvif.org/ver10/device/wsdl/GetDeviceInformation"
	actionGetCapabilities      = "http://www.onvif.org/ver10/device/wsdl/GetCapabilities"
	actionGetProfiles          = "http://www.onvif.org/ver10/media/wsdl/GetProfiles"
	actionGetStreamURI         = "http://www.onvif.org/ver10/media/wsdl/GetStreamUri"
)

// DeviceInformation is the response of GetDeviceInformation.
type DeviceInformation struct {
	Manufacturer    string `xml:"Manufacturer"`
	Model           string `xml:"Model"`
	FirmwareVersion string `xml:"FirmwareVersion"`
	SerialNumber    string `xml:"SerialNumber"`
	HardwareID      string `xml:"HardwareId"`
}

// GetDeviceInformation queries the device service at xaddr.
func (c *Client) GetDeviceInformation(ctx context.Context, xaddr string) (*DeviceInformation, error) {
	var resp struct {
		Info DeviceInformation `xml:"Body>GetDeviceInformationResponse"`
	}

	if err := c.Call(ctx, xaddr, actionGetDeviceInformation, `<tds:GetDeviceInformation/>`, &resp); err != nil {
		return nil, err
	}

	info := resp.Info
	info.Manufacturer = strings.TrimSpace(info.Manufacturer)
	info.Model = strings.TrimSpace(info.Model)
	info.FirmwareVersion = strings.TrimSpace(info.FirmwareVersion)
	info.SerialNumber = strings.TrimSpace(info.SerialNumber)
	info.HardwareID = strings.TrimSpace(info.HardwareID)

	return &info, nil
}

// Services holds the service addresses advertised by GetCapabilities.
type Services struct {
	Device string
	Media  string
	Events string
}

// GetCapabilities returns service endpoints. Missing entries fall back to
// the device address, which is what most cameras expect anyway.
func (c *Client) GetCapabilities(ctx context.Context, xaddr string) (*Services, error) {
	var resp struct {
		Device string `xml:"Body>GetCapabilitiesResponse>Capabilities>Device>XAddr"`
		Media  string `xml:"Body>GetCapabilitiesResponse>Capabilities>Media>XAddr"`
		Events string `xml:"Body>GetCapabilitiesResponse>Capabilities>Events>XAddr"`
	}

	body := `<tds:GetCapabilities><tds:Category>All</tds:Category></tds:GetCapabilities>`
	if err := c.Call(ctx, xaddr, actionGetCapabilities, body, &resp); err != nil {
		return nil, err
	}

	svc := &Services{
		Device: strings.TrimSpace(resp.Device),
		Media:  strings.TrimSpace(resp.Media),
		Events: strings.TrimSpace(resp.Events),
	}

	if svc.Device == "" {
		svc.Device = xaddr
	}

	if svc.Media == "" {
		svc.Media = xaddr
	}

	return svc, nil
}

// Profile is a media profile summary.
type Profile struct {
	Token    string `xml:"token,attr"`
	Name     string `xml:"Name"`
	Encoding string `xml:"VideoEncoderConfiguration>Encoding"`
	Width    int    `xml:"VideoEncoderConfiguration>Resolution>Width"`
	Height   int    `xml:"VideoEncoderConfiguration>Resolution>Height"`
}

// GetProfiles lists media profiles from the media service.
func (c *Client) GetProfiles(ctx context.Context, mediaAddr string) ([]Profile, error) {
	var resp struct {
		Profiles []Profile `xml:"Body>GetProfilesResponse>Profiles"`
	}

	if err := c.Call(ctx, mediaAddr, actionGetProfiles, `<trt:GetProfiles/>`, &resp); err != nil {
		return nil, err
	}

	return resp.Profiles, nil
}

// GetStreamURI resolves the RTSP URI of a profile.
func (c *Client) GetStreamURI(ctx context.Context, mediaAddr, profileToken string) (string, error) {
	var resp struct {
		URI string `xml:"Body>GetStreamUriResponse>MediaUri>Uri"`
	}

	body := `<trt:GetStreamUri><trt:StreamSetup><tt:Stream>RTP-Unicast</tt:Stream>` +
		`<tt:Transport><tt:Protocol>RTSP</tt:Protocol></tt:Transport></trt:StreamSetup>` +
		`<trt:ProfileToken>` + escape(profileToken) + `</trt:ProfileToken></trt:GetStreamUri>`

	if err := c.Call(ctx, mediaAddr, actionGetStreamURI, body, &resp); err != nil {
		return "", err
	}

	return strings.TrimSpace(resp.URI), nil
}
