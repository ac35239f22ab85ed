// Package comfyjobs coordinates image generation jobs for an image editor
// against a ComfyUI backend. Each open document gets a coordinator that
// queues jobs by canvas region, dispatches them, tracks their progress over
// the backend's websocket and keeps a bounded history of finished work.
package comfyjobs
