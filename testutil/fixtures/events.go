// Package fixtures 提供 ARI 事件帧的测试数据。
package fixtures

import "encoding/json"

// Timestamp 固定的事件时间（ARI 格式）
const Timestamp = "2026-05-04T12:00:00.000+0000"

// Application 测试使用的 Stasis 应用名
const Application = "callbridge"

type frame map[string]any

func encode(f frame) string {
	f["application"] = Application
	if _, ok := f["timestamp"]; !ok {
		f["timestamp"] = Timestamp
	}
	data, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func channel(id, name, number string) frame {
	return frame{
		"id":        id,
		"name":      "SIP/trunk-" + id,
		"state":     "Ring",
		"caller":    frame{"name": name, "number": number},
		"connected": frame{"name": "", "number": ""},
	}
}

// StasisStart 来电进入应用
func StasisStart(callID, callerName, callerNumber string) string {
	return encode(frame{
		"type":    "StasisStart",
		"args":    []string{},
		"channel": channel(callID, callerName, callerNumber),
	})
}

// StasisEnd 通道离开应用
func StasisEnd(callID string) string {
	return encode(frame{
		"type":    "StasisEnd",
		"channel": channel(callID, "", ""),
	})
}

// PlaybackFinished 播放结束；state 为 "done" 或 "failed"
func PlaybackFinished(playbackID, callID, state string) string {
	return encode(frame{
		"type": "PlaybackFinished",
		"playback": frame{
			"id":         playbackID,
			"media_uri":  "sound:hello-world",
			"target_uri": "channel:" + callID,
			"state":      state,
		},
	})
}

// RecordingStarted 录音已开始
func RecordingStarted(name, callID string) string {
	return recording("RecordingStarted", name, callID, "recording", "", "")
}

// RecordingFinished 录音完成；filePath 为空表示服务端未下发路径
func RecordingFinished(name, callID, filePath string) string {
	return recording("RecordingFinished", name, callID, "done", "", filePath)
}

// RecordingFailed 录音失败
func RecordingFailed(name, callID, cause string) string {
	return recording("RecordingFailed", name, callID, "failed", cause, "")
}

func recording(kind, name, callID, state, cause, filePath string) string {
	rec := frame{
		"name":       name,
		"format":     "wav",
		"state":      state,
		"target_uri": "channel:" + callID,
	}
	if cause != "" {
		rec["cause"] = cause
	}
	if filePath != "" {
		rec["file_path"] = filePath
	}
	return encode(frame{"type": kind, "recording": rec})
}
