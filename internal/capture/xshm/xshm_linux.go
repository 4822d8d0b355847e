//go:build linux && cgo

package xshm

/*
#cgo pkg-config: x11 xext xfixes
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int width;
	int height;
	int has_xfixes;
} XShmSource;

typedef struct {
	int x, y;
	int width, height;
	int xhot, yhot;
	unsigned long serial;
} CursorInfo;

static XShmSource* xshm_open(const char *display_name) {
	XShmSource *c = (XShmSource*)calloc(1, sizeof(XShmSource));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }

	int screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, screen);
	c->width = DisplayWidth(c->display, screen);
	c->height = DisplayHeight(c->display, screen);

	int event_base, error_base;
	c->has_xfixes = XFixesQueryExtension(c->display, &event_base, &error_base);

	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, screen),
		DefaultDepth(c->display, screen),
		ZPixmap, NULL, &c->shminfo,
		c->width, c->height);
	if (!c->image) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	// Removed once the last attachment detaches.
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);
	return c;
}

static int xshm_grab(XShmSource *c) {
	if (!XShmGetImage(c->display, c->root, c->image, 0, 0, AllPlanes)) return -1;
	XSync(c->display, False);
	return 0;
}

// Copies the BGRx shared image into an RGBA buffer with opaque alpha.
static void xshm_copy_rgba(XShmSource *c, unsigned char *dst, int dst_stride) {
	for (int y = 0; y < c->height; y++) {
		const unsigned char *src = (const unsigned char*)c->image->data + y * c->image->bytes_per_line;
		unsigned char *out = dst + y * dst_stride;
		for (int x = 0; x < c->width; x++) {
			out[0] = src[2];
			out[1] = src[1];
			out[2] = src[0];
			out[3] = 0xFF;
			src += 4;
			out += 4;
		}
	}
}

// Fills info and, when pixels is non-NULL and large enough, the cursor
// image as BGRA. Returns -1 without XFixes.
static int xshm_cursor(XShmSource *c, CursorInfo *info, unsigned char *pixels, int capacity) {
	if (!c->has_xfixes) return -1;
	XFixesCursorImage *cursor = XFixesGetCursorImage(c->display);
	if (!cursor) return -1;

	info->x = cursor->x;
	info->y = cursor->y;
	info->width = cursor->width;
	info->height = cursor->height;
	info->xhot = cursor->xhot;
	info->yhot = cursor->yhot;
	info->serial = cursor->cursor_serial;

	int n = cursor->width * cursor->height;
	if (pixels && capacity >= n * 4) {
		for (int i = 0; i < n; i++) {
			unsigned long p = cursor->pixels[i];
			pixels[i*4+0] = p & 0xFF;
			pixels[i*4+1] = (p >> 8) & 0xFF;
			pixels[i*4+2] = (p >> 16) & 0xFF;
			pixels[i*4+3] = (p >> 24) & 0xFF;
		}
	}
	XFree(cursor);
	return 0;
}

static void xshm_close(XShmSource *c) {
	if (!c) return;
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	XCloseDisplay(c->display);
	free(c);
}
*/
import "C"
import (
	"context"
	"image"
	"sync"
	"unsafe"

	"rdpbridge/internal/capture"
	"rdpbridge/internal/types"
)

// Open attaches a shared-memory image to the root window of the display.
func (b Backend) Open(ctx context.Context) (capture.Source, error) {
	cDisplay := C.CString(b.Display)
	defer C.free(unsafe.Pointer(cDisplay))

	c := C.xshm_open(cDisplay)
	if c == nil {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.open xshm",
			"cannot attach shared memory image to display %q", b.Display)
	}
	return &source{c: c}, nil
}

type source struct {
	mu         sync.Mutex
	c          *C.XShmSource
	lastSerial C.ulong
	cursorBuf  []byte
}

func (s *source) Outputs() ([]capture.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.outputs", "source closed")
	}
	return []capture.Output{{
		Index:   0,
		Name:    "root",
		Bounds:  image.Rect(0, 0, int(s.c.width), int(s.c.height)),
		Primary: true,
	}}, nil
}

func (s *source) Grab(out capture.Output) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.grab", "source closed")
	}
	if C.xshm_grab(s.c) != 0 {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.grab", "XShmGetImage failed")
	}
	img := image.NewRGBA(image.Rect(0, 0, int(s.c.width), int(s.c.height)))
	C.xshm_copy_rgba(s.c, (*C.uchar)(unsafe.Pointer(&img.Pix[0])), C.int(img.Stride))
	return img, nil
}

// Cursor reports the pointer position and, whenever the cursor shape
// changed, its BGRA bitmap.
func (s *source) Cursor() (*types.CursorUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.cursor", "source closed")
	}

	var info C.CursorInfo
	if C.xshm_cursor(s.c, &info, nil, 0) != 0 {
		return nil, nil
	}
	update := &types.CursorUpdate{
		X:       int(info.x),
		Y:       int(info.y),
		Visible: true,
		Width:   int(info.width),
		Height:  int(info.height),
		HotX:    int(info.xhot),
		HotY:    int(info.yhot),
	}
	if info.serial != s.lastSerial {
		n := int(info.width) * int(info.height) * 4
		if n > 0 {
			if cap(s.cursorBuf) < n {
				s.cursorBuf = make([]byte, n)
			}
			buf := s.cursorBuf[:n]
			if C.xshm_cursor(s.c, &info, (*C.uchar)(unsafe.Pointer(&buf[0])), C.int(n)) == 0 {
				update.Bitmap = append([]byte(nil), buf...)
				s.lastSerial = info.serial
			}
		}
	}
	return update, nil
}

func (s *source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		C.xshm_close(s.c)
		s.c = nil
	}
	return nil
}
